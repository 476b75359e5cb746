// Package meta persists the per-replica election state: the current term
// and the candidate voted for in each term.
//
// The safety of leader election rests on never voting twice in the same
// term and never regressing the term, even across a crash. Both writes
// are therefore synchronous appends to a checksummed record log that is
// replayed on open; a torn tail record is discarded, which is safe
// because the corresponding response was never sent.
package meta
