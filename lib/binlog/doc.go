// Package binlog implements the durable, append-only operation log that
// backs replication.
//
// Every mutation of the store travels through the log: it is appended on
// the leader, copied to the followers and only applied to the state
// machine once a majority holds it. The log therefore has to survive
// crashes between an Append returning and the entry being applied.
//
// # On-Disk Layout
//
// A log lives in its own directory and consists of two files:
//
//   - state.dat: the index of the first retained entry and the term of
//     the entry directly before it. Both change only on compaction,
//     truncation or snapshot install and are rewritten atomically.
//   - log.dat: the retained entries as length-prefixed, checksummed
//     records. Appends go to the end of this file and are synced before
//     Append returns.
//
// On open, log.dat is replayed into memory. A torn tail record (crash
// during append) fails its checksum and is discarded together with
// everything after it; this is safe because an entry that never made it
// to disk was never acknowledged.
//
// # Index Semantics
//
// Entries are addressed by a zero-based, never reused index. Read
// distinguishes two kinds of gap: ErrCompacted (the entry existed but
// was garbage collected away, the caller should fall back to a snapshot)
// and ErrNotFound (the entry does not exist yet).
package binlog
