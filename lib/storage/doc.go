// Package storage holds the materialized state of the replicated log:
// one ordered key space per user, with an always-open anonymous space
// for requests carrying no login.
//
// Values are stored with a one byte tag prefix so a key can hold either
// plain data or a lock marker; the consensus layer decides what the tag
// means, this package only frames it.
//
// The trees are in-memory and rebuilt on restart by replaying the log
// from the last snapshot; the reserved key TagLastAppliedIndex in the
// anonymous space records how far that replay has progressed.
package storage
