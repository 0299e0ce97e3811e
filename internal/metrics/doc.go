// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection lifecycle state and reconnect counts
//   - Notification delivery, duplicate, and rejection counts
//   - Unread counter as reported by delivery stats
package metrics
