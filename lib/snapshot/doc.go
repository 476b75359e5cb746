// Package snapshot persists a prefix-compacted copy of the store state.
//
// A snapshot is the set of anonymous-user records plus one meta record
// naming the log position it covers (term, index, vote, membership). It
// serves two purposes: reclaiming log space (entries below the covered
// index can be deleted) and catching up followers whose required log
// prefix no longer exists.
//
// Each replica keeps at most one live snapshot. Writers stage into a
// temp slot and atomically rename on commit, so readers always observe
// a complete snapshot or none.
package snapshot
