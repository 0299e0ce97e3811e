// Package subscription tracks the set of channels the client believes it
// has joined: the user's notification channel and any number of chat
// rooms. Membership is idempotent, survives reconnects (re-asserted, not
// recreated), and join/leave traffic per channel key is coalesced to at
// most one in-flight request of each type.
package subscription
