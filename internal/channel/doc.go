// Package channel implements the event channel: a single bidirectional
// transport connection with typed send/receive, plus a local
// publish/subscribe bus that is decoupled from transport state.
//
// The Bus outlives any one Channel. Handlers registered while disconnected
// stay registered and fire once a matching frame arrives on a later
// connection epoch. Each Channel wraps exactly one transport epoch; the
// lifecycle manager opens a fresh Channel after every reconnect.
package channel
