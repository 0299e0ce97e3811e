// Package lifecycle owns the connection state machine: connect and
// authenticate, detect drops, reconnect with bounded exponential backoff,
// and tear down. The single transport connection is exclusively owned by
// the Manager; collaborators reach it only through the Manager's current
// handle and never cache their own reference across reconnects.
package lifecycle
