package raft

import "time"

// Transport is the request/response channel between cluster nodes. A call
// either returns the peer's response or an error after at most the given
// timeout; the consensus layer treats both uniformly and retries where
// the protocol allows.
//
// Implementations must be safe for concurrent use; the node issues calls
// from the replicators, the heartbeat broadcaster and the election path
// in parallel.
type Transport interface {
	Vote(addr string, req *VoteRequest, timeout time.Duration) (*VoteResponse, error)
	AppendEntries(addr string, req *AppendEntriesRequest, timeout time.Duration) (*AppendEntriesResponse, error)
	InstallSnapshot(addr string, req *InstallSnapshotRequest, timeout time.Duration) (*InstallSnapshotResponse, error)
	ShowStatus(addr string, timeout time.Duration) (*ShowStatusResponse, error)
	CleanBinlog(addr string, req *CleanBinlogRequest, timeout time.Duration) (*CleanBinlogResponse, error)
	KeepAlive(addr string, req *KeepAliveRequest, timeout time.Duration) (*KeepAliveResponse, error)
}
