// Package watch implements one-shot key subscriptions.
//
// A watch fires at most once: the first change applied to the watched
// key (or to a child, for directory-style keys) completes the pending
// request and removes the registration. Clients that want to keep
// observing a key re-register after every notification.
//
// Like sessions, watches are process-local state and disappear on
// failover; clients re-arm them against the new leader.
package watch
