package raft

import (
	"math/rand"
	"time"

	"github.com/accord-kv/accord/lib/binlog"
)

// --------------------------------------------------------------------------
// Election Timer
// --------------------------------------------------------------------------

func (n *Node) randomElectTimeout() time.Duration {
	span := n.cfg.ElectTimeoutMax - n.cfg.ElectTimeoutMin
	return n.cfg.ElectTimeoutMin + time.Duration(rand.Int63n(int64(span)+1))
}

// checkLeaderCrash (re)arms the election timer. Callers hold mu.
func (n *Node) checkLeaderCrash() {
	if n.stop {
		return
	}
	timeout := n.randomElectTimeout()
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.electionTimer = time.AfterFunc(timeout, n.tryToBeLeader)
}

// tryToBeLeader fires when the election timeout elapsed. If a heartbeat
// arrived in the meantime the timer is simply re-armed; otherwise the
// node campaigns for the next term.
func (n *Node) tryToBeLeader() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop {
		return
	}
	if n.singleNode {
		n.role = Leader
		n.currentLeader = n.selfID
		n.inSafeMode = false
		// every locally appended entry is committed in a one-node
		// cluster, and the in-memory store replays from the log
		if n.log.Length()-1 > n.commitIndex {
			n.commitIndex = n.log.Length() - 1
			n.commitCond.Signal()
		}
		n.currentTerm++
		if err := n.meta.WriteCurrentTerm(n.currentTerm); err != nil {
			log.Panicf("persist term: %v", err)
		}
		return
	}
	if n.role == Leader {
		n.checkLeaderCrash()
		return
	}
	if n.role == Follower && n.heartbeatCount > 0 {
		n.heartbeatCount = 0
		n.checkLeaderCrash()
		return
	}

	n.currentTerm++
	if err := n.meta.WriteCurrentTerm(n.currentTerm); err != nil {
		log.Panicf("persist term: %v", err)
	}
	n.role = Candidate
	if err := n.meta.WriteVotedFor(n.currentTerm, n.selfID); err != nil {
		log.Panicf("persist vote: %v", err)
	}
	n.voteGrant[n.currentTerm]++

	lastLogIndex, lastLogTerm := n.lastLogIndexAndTerm()
	req := &VoteRequest{
		CandidateID:  n.selfID,
		Term:         n.currentTerm,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
	log.Infof("broadcast vote request to cluster, new term: %d", n.currentTerm)
	for _, member := range n.members {
		if member == n.selfID {
			continue
		}
		go func(addr string) {
			resp, err := n.transp.Vote(addr, req, rpcControlTimeout)
			n.voteCallback(resp, err)
		}(member)
	}
	n.checkLeaderCrash()
}

// voteCallback tallies one vote response.
func (n *Node) voteCallback(resp *VoteResponse, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop || err != nil || n.role != Candidate {
		return
	}
	log.Infof("vote result for term %d: %t", resp.Term, resp.VoteGranted)
	if resp.VoteGranted && resp.Term == n.currentTerm {
		n.voteGrant[n.currentTerm]++
		if n.voteGrant[n.currentTerm] > len(n.members)/2 {
			n.transToLeader()
		}
	} else if resp.Term > n.currentTerm {
		n.transToFollower("voteCallback", resp.Term)
	}
}

// --------------------------------------------------------------------------
// Vote Handler
// --------------------------------------------------------------------------

// HandleVote decides a vote request from a candidate.
func (n *Node) HandleVote(req *VoteRequest) *VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stop || req.Term < n.currentTerm {
		return &VoteResponse{Term: n.currentTerm}
	}

	// the candidate's log must be at least as up-to-date as ours
	lastLogIndex, lastLogTerm := n.lastLogIndexAndTerm()
	if req.LastLogTerm < lastLogTerm {
		return &VoteResponse{Term: n.currentTerm}
	}
	if req.LastLogTerm == lastLogTerm && req.LastLogIndex < lastLogIndex {
		return &VoteResponse{Term: n.currentTerm}
	}

	if req.Term > n.currentTerm {
		n.transToFollower("HandleVote", req.Term)
	}
	if voted, ok := n.meta.VotedFor(n.currentTerm); ok && voted != req.CandidateID {
		return &VoteResponse{Term: n.currentTerm}
	}
	if err := n.meta.WriteVotedFor(n.currentTerm, req.CandidateID); err != nil {
		log.Panicf("persist vote: %v", err)
	}
	return &VoteResponse{Term: n.currentTerm, VoteGranted: true}
}

// --------------------------------------------------------------------------
// Leadership
// --------------------------------------------------------------------------

// transToLeader wins the election: safe mode on, heartbeats started, the
// commit-new-term barrier appended. Callers hold mu.
func (n *Node) transToLeader() {
	n.inSafeMode = true
	n.role = Leader
	n.currentLeader = n.selfID
	log.Infof("I win the election, term: %d", n.currentTerm)
	go n.broadCastHeartBeat()
	n.startReplicateLog()
}

// startReplicateLog launches one replicator per peer and appends the Nop
// barrier for the new term. Callers hold mu.
func (n *Node) startReplicateLog() {
	log.Infof("start replicating log")
	for _, member := range n.members {
		if member == n.selfID {
			continue
		}
		if !n.replicating[member] {
			n.nextIndex[member] = n.log.Length()
			n.matchIndex[member] = -1
		}
		n.startReplicator(member)
	}
	if _, err := n.log.Append(binlog.Entry{
		Term: n.currentTerm,
		Op:   binlog.OpNop,
		Key:  "Ping",
	}); err != nil {
		log.Panicf("append nop: %v", err)
	}
	n.replBroadcast()
}

// broadCastHeartBeat sends one empty AppendEntries round to every peer
// and re-arms itself while this node stays leader.
func (n *Node) broadCastHeartBeat() {
	n.mu.Lock()
	if n.stop || n.role != Leader {
		n.mu.Unlock()
		return
	}
	req := &AppendEntriesRequest{
		Term:              n.currentTerm,
		LeaderID:          n.selfID,
		PrevLogIndex:      -1,
		PrevLogTerm:       -1,
		LeaderCommitIndex: n.commitIndex,
	}
	peers := make([]string, 0, len(n.members))
	for _, member := range n.members {
		if member != n.selfID {
			peers = append(peers, member)
		}
	}
	n.mu.Unlock()

	for _, addr := range peers {
		go func(addr string) {
			resp, err := n.transp.AppendEntries(addr, req, rpcControlTimeout)
			n.heartBeatCallback(resp, err)
		}(addr)
	}
	time.AfterFunc(heartbeatInterval, n.broadCastHeartBeat)
}

// heartBeatCallback steps the leader down if a peer reports a newer term.
func (n *Node) heartBeatCallback(resp *AppendEntriesResponse, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop || n.role != Leader {
		return
	}
	if err == nil && resp.CurrentTerm > n.currentTerm {
		n.transToFollower("heartBeatCallback", resp.CurrentTerm)
	}
}
