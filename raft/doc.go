// Package raft implements the consensus and replication engine of the
// coordination service: leader-based log replication with elections, a
// commit-and-apply pipeline feeding the key-value state machine, and the
// session, lock and watch subsystems layered on committed log entries.
//
// # Roles and Terms
//
// Every node is follower, candidate or leader within a monotonically
// increasing term. A follower that hears no heartbeat within its
// randomized election timeout campaigns for the next term; a candidate
// collecting a strict majority of votes becomes leader, appends a no-op
// barrier entry and heartbeats every 50ms. Any message carrying a higher
// term demotes the receiver to follower, with the term durably recorded
// before the transition is visible.
//
// # Replication and Commit
//
// The leader runs one replicator per peer. Client mutations are appended
// to the local log, shipped in batches, and committed once a strict
// majority of the membership in force at that index has confirmed them;
// the single apply loop then feeds committed entries to the state
// machine in log order and completes the waiting client calls. Reads are
// leader-confirmed: the leader proves its authority with a majority
// heartbeat round before answering from local state. The round is skipped
// in a one-member cluster and when a previous round completed within the
// minimum election timeout.
//
// # Safe Mode
//
// A fresh leader holds back read-sensitive traffic until a no-op of its
// own term has committed, and lock/scan traffic additionally until one
// full session lifetime has passed since process start, because session
// leases granted by a prior leader are not replicated and can only be
// ruled out by waiting them out.
//
// # Membership and Compaction
//
// The cluster grows one server at a time: the newcomer is caught up via
// replication (or a snapshot transfer when the leader's log no longer
// reaches back far enough), then an AddNode entry switches the counted
// membership at its own log index. Periodic snapshots of the applied
// state bound the log: a compaction round collects every member's
// applied position and deletes entries all members have applied.
package raft
