package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/accord-kv/accord/raft"
	"github.com/accord-kv/accord/rpc/common"
	"github.com/accord-kv/accord/rpc/serializer"
	"github.com/accord-kv/accord/rpc/transport"
	"github.com/accord-kv/accord/rpc/transport/tcp"
)

// --------------------------------------------------------------------------
// Peer Transport
// --------------------------------------------------------------------------

// PeerTransport carries the consensus traffic between cluster nodes over
// the regular RPC wire protocol. Per peer it keeps two connection pools:
// a short-deadline one for control traffic (votes, heartbeats, status
// probes) and a long-deadline one for bulk traffic (entry batches,
// snapshot packets), so a slow bulk transfer never blocks an election
// message behind its deadline.
type PeerTransport struct {
	serializer serializer.IRPCSerializer

	mu    sync.Mutex
	pools map[string]transport.IRPCClientTransport // keyed by addr + class
}

// NewPeerTransport creates a peer transport using the given serializer
// (which must match the remote servers' serializer).
func NewPeerTransport(s serializer.IRPCSerializer) *PeerTransport {
	return &PeerTransport{
		serializer: s,
		pools:      make(map[string]transport.IRPCClientTransport),
	}
}

// pool returns (creating on first use) the connection pool for addr with
// the given deadline class.
func (t *PeerTransport) pool(addr string, timeout time.Duration) (transport.IRPCClientTransport, error) {
	key := fmt.Sprintf("%s/%d", addr, int(timeout.Seconds()))
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pools[key]; ok {
		return p, nil
	}
	p := tcp.NewTCPClientTransport()
	err := p.Connect(common.ClientConfig{
		Endpoints:     []string{addr},
		TimeoutSecond: int(timeout.Seconds()),
		RetryCount:    1,
	})
	if err != nil {
		return nil, err
	}
	t.pools[key] = p
	return p, nil
}

func (t *PeerTransport) call(addr string, req *common.Message, timeout time.Duration) (*common.Message, error) {
	p, err := t.pool(addr, timeout)
	if err != nil {
		return nil, err
	}
	data, err := t.serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}
	respData, err := p.Send(addr, data)
	if err != nil {
		return nil, err
	}
	var resp common.Message
	if err := t.serializer.Deserialize(respData, &resp); err != nil {
		return nil, err
	}
	if resp.MsgType == common.MsgTError {
		return nil, fmt.Errorf("peer %s: %s", addr, resp.Err)
	}
	return &resp, nil
}

// --------------------------------------------------------------------------
// raft.Transport Implementation
// --------------------------------------------------------------------------

func (t *PeerTransport) Vote(addr string, req *raft.VoteRequest, timeout time.Duration) (*raft.VoteResponse, error) {
	resp, err := t.call(addr, common.NewVoteRequest(req), timeout)
	if err != nil {
		return nil, err
	}
	return &raft.VoteResponse{Term: resp.Term, VoteGranted: resp.VoteGranted}, nil
}

func (t *PeerTransport) AppendEntries(addr string, req *raft.AppendEntriesRequest, timeout time.Duration) (*raft.AppendEntriesResponse, error) {
	resp, err := t.call(addr, common.NewAppendEntriesRequest(req), timeout)
	if err != nil {
		return nil, err
	}
	return &raft.AppendEntriesResponse{
		CurrentTerm: resp.CurrentTerm,
		Success:     resp.Success,
		LogLength:   resp.LogLength,
		IsBusy:      resp.IsBusy,
	}, nil
}

func (t *PeerTransport) InstallSnapshot(addr string, req *raft.InstallSnapshotRequest, timeout time.Duration) (*raft.InstallSnapshotResponse, error) {
	resp, err := t.call(addr, common.NewInstallSnapshotRequest(req), timeout)
	if err != nil {
		return nil, err
	}
	return &raft.InstallSnapshotResponse{Success: resp.Success}, nil
}

func (t *PeerTransport) ShowStatus(addr string, timeout time.Duration) (*raft.ShowStatusResponse, error) {
	resp, err := t.call(addr, common.NewShowStatusRequest(), timeout)
	if err != nil {
		return nil, err
	}
	return &raft.ShowStatusResponse{
		Role:         parseRole(resp.Role),
		Term:         resp.Term,
		LastLogIndex: resp.LastLogIndex,
		LastLogTerm:  resp.LastLogTerm,
		CommitIndex:  resp.CommitIndex,
		LastApplied:  resp.LastApplied,
	}, nil
}

func (t *PeerTransport) CleanBinlog(addr string, req *raft.CleanBinlogRequest, timeout time.Duration) (*raft.CleanBinlogResponse, error) {
	resp, err := t.call(addr, common.NewCleanBinlogRequest(req.EndIndex), timeout)
	if err != nil {
		return nil, err
	}
	return &raft.CleanBinlogResponse{Success: resp.Success}, nil
}

func (t *PeerTransport) KeepAlive(addr string, req *raft.KeepAliveRequest, timeout time.Duration) (*raft.KeepAliveResponse, error) {
	msg := common.NewKeepAliveRequest(req.SessionID, req.UUID, req.TimeoutMillis, req.Locks)
	msg.ForwardFromLeader = req.ForwardFromLeader
	resp, err := t.call(addr, msg, timeout)
	if err != nil {
		return nil, err
	}
	return &raft.KeepAliveResponse{Success: resp.Success, LeaderID: resp.LeaderID}, nil
}

// Close shuts down all connection pools.
func (t *PeerTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		_ = p.Close()
	}
	t.pools = make(map[string]transport.IRPCClientTransport)
}

func parseRole(s string) raft.Role {
	switch s {
	case "leader":
		return raft.Leader
	case "candidate":
		return raft.Candidate
	default:
		return raft.Follower
	}
}
