// Package notify consumes inbound notification events, normalizes them to
// NotificationRecord, suppresses duplicates by identity, and forwards
// accepted records to a sink. The transport delivers at-least-once across
// reconnects, so redelivery of a previously-seen id is expected and benign.
package notify
