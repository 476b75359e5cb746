package raft

import (
	"errors"
	"time"

	"github.com/accord-kv/accord/lib/binlog"
)

// --------------------------------------------------------------------------
// Per-Follower Replicator (leader side)
// --------------------------------------------------------------------------

// startReplicator launches a replicator toward addr unless one is
// already running. Callers hold mu.
func (n *Node) startReplicator(addr string) {
	if n.replicating[addr] {
		log.Infof("there is another replicator running on: %s", addr)
		return
	}
	n.replicating[addr] = true
	n.wg.Add(1)
	go n.replicateLog(addr)
}

// replicateLog is the replication loop toward one peer. It runs while
// this node is leader, shipping batches from nextIndex on, rewinding on
// rejection, backing off on busy followers and transport failures, and
// falling back to a snapshot transfer when the required prefix has been
// compacted away.
func (n *Node) replicateLog(followerID string) {
	defer n.wg.Done()
	n.mu.Lock()
	defer n.mu.Unlock()
	defer delete(n.replicating, followerID)

	latestOK := true
	for !n.stop && n.role == Leader {
		for !n.stop && n.log.Length() <= n.nextIndex[followerID] {
			if !n.isMember(followerID) && !n.isJoiningNode(followerID) {
				break
			}
			n.replWait(replicatorIdleWait)
			if n.role != Leader {
				break
			}
		}
		if n.stop {
			break
		}
		if n.role != Leader {
			log.Infof("stop replicating on %s, no longer leader", followerID)
			break
		}
		if !n.isMember(followerID) && !n.isJoiningNode(followerID) &&
			n.log.Length() <= n.nextIndex[followerID] {
			// the peer left the membership and holds everything we have
			log.Infof("stop replicating on %s, no longer a member", followerID)
			break
		}

		index := n.nextIndex[followerID]
		prevIndex := index - 1
		prevTerm := int64(-1)
		batchSpan := n.log.Length() - index
		if max := int64(n.cfg.LogRepBatchMax); batchSpan > max {
			batchSpan = max
		}
		if !latestOK && batchSpan > 1 {
			batchSpan = 1
		}
		if prevIndex > -1 {
			prevEntry, err := n.log.Read(prevIndex)
			if errors.Is(err, binlog.ErrCompacted) {
				// the follower needs a prefix we no longer have
				log.Warningf("slot %d compacted, can't replicate on %s, try snapshot",
					prevIndex, followerID)
				n.mu.Unlock()
				sent := n.trySendSnapshot(followerID)
				if !sent {
					time.Sleep(n.cfg.ReplicationRetrySpan)
				}
				n.mu.Lock()
				continue
			}
			if err != nil {
				log.Panicf("read slot %d: %v", prevIndex, err)
			}
			prevTerm = prevEntry.Term
		}

		req := &AppendEntriesRequest{
			Term:              n.currentTerm,
			LeaderID:          n.selfID,
			PrevLogIndex:      prevIndex,
			PrevLogTerm:       prevTerm,
			LeaderCommitIndex: n.commitIndex,
		}
		maxTerm := int64(-1)
		badSlot := false
		for idx := index; idx < index+batchSpan; idx++ {
			entry, err := n.log.Read(idx)
			if err != nil {
				log.Infof("bad slot at %d", idx)
				badSlot = true
				break
			}
			req.Entries = append(req.Entries, entry)
			if entry.Term > maxTerm {
				maxTerm = entry.Term
			}
		}
		if badSlot {
			n.mu.Unlock()
			sent := n.trySendSnapshot(followerID)
			if !sent {
				time.Sleep(n.cfg.ReplicationRetrySpan)
			}
			n.mu.Lock()
			continue
		}

		// the RPC happens without the core mutex held
		n.mu.Unlock()
		resp, err := n.transp.AppendEntries(followerID, req, rpcReplicationTimeout)
		n.mu.Lock()

		if err == nil && resp.CurrentTerm > n.currentTerm {
			n.transToFollower("replicateLog", resp.CurrentTerm)
		}
		if n.role != Leader {
			log.Infof("stop replicating on %s, no longer leader", followerID)
			break
		}
		if err != nil {
			if !n.isMember(followerID) && !n.isJoiningNode(followerID) {
				log.Infof("stop replicating on %s, unreachable and removed", followerID)
				break
			}
			log.Warningf("replicate rpc to %s failed: %v", followerID, err)
			n.mu.Unlock()
			time.Sleep(n.cfg.ReplicationRetrySpan)
			n.mu.Lock()
			latestOK = false
			continue
		}
		if resp.Success {
			n.nextIndex[followerID] = index + batchSpan
			n.matchIndex[followerID] = index + batchSpan - 1
			inMembership := n.isMember(followerID)
			if maxTerm == n.currentTerm && inMembership {
				n.updateCommitIndex(index + batchSpan - 1)
			}
			if !inMembership &&
				n.nextIndex[followerID]+n.cfg.MinLogGap >= n.log.Length() {
				// a joining node has caught up far enough
				if n.memberChange == nil {
					log.Warningf("not in membership change, maybe already timeout")
					break
				}
				if n.memberChange.logIndex < 0 {
					log.Infof("new node %s caught up, write membership change log",
						followerID)
					go n.writeMembershipChangeLog(followerID)
				}
			}
			latestOK = true
		} else if resp.IsBusy {
			log.Warningf("follower %s is busy, delay replication", followerID)
			n.mu.Unlock()
			time.Sleep(n.cfg.ReplicationRetrySpan)
			n.mu.Lock()
			latestOK = true
		} else {
			// (index, term) mismatch: rewind
			next := n.nextIndex[followerID] - 1
			if resp.LogLength < next {
				next = resp.LogLength
			}
			if next < 0 {
				next = 0
			}
			n.nextIndex[followerID] = next
			log.Infof("adjust next index of %s to %d", followerID, next)
		}
	}
}

// isJoiningNode reports whether addr is the target of the in-flight
// membership change. Callers hold mu.
func (n *Node) isJoiningNode(addr string) bool {
	return n.memberChange != nil && n.memberChange.nodeAddr == addr
}

// --------------------------------------------------------------------------
// Commit Advancement
// --------------------------------------------------------------------------

// updateCommitIndex advances the commit index to candidate if a strict
// majority of the membership in force at that index has matched it. The
// caller guarantees the entry's term: commit never crosses an entry of a
// prior term. Callers hold mu.
func (n *Node) updateCommitIndex(candidate int64) {
	membersToCheck := n.getMembership(candidate)
	matchCount := 1 // self
	for _, member := range membersToCheck {
		if member == n.selfID {
			continue
		}
		if match, ok := n.matchIndex[member]; ok && match >= candidate {
			matchCount++
		}
	}
	if matchCount > len(membersToCheck)/2 && candidate > n.commitIndex {
		n.commitIndex = candidate
		log.Debugf("update to new commit index: %d", n.commitIndex)
		n.commitCond.Signal()
	}
}

// --------------------------------------------------------------------------
// AppendEntries Handler (follower side)
// --------------------------------------------------------------------------

// HandleAppendEntries is the follower's half of replication, heartbeats
// included.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stop {
		return &AppendEntriesResponse{CurrentTerm: n.currentTerm}
	}
	if req.Term < n.currentTerm {
		log.Infof("AppendEntries with outdated term %d < %d", req.Term, n.currentTerm)
		return &AppendEntriesResponse{
			CurrentTerm: n.currentTerm,
			LogLength:   n.log.Length(),
		}
	}
	n.role = Follower
	if req.Term > n.currentTerm {
		if err := n.meta.WriteCurrentTerm(req.Term); err != nil {
			log.Panicf("persist term: %v", err)
		}
	}
	n.currentTerm = req.Term
	n.currentLeader = req.LeaderID
	n.heartbeatCount++

	if len(req.Entries) > 0 {
		if req.PrevLogIndex >= n.log.Length() {
			log.Infof("AppendEntries beyond local log: prev %d, local length %d",
				req.PrevLogIndex, n.log.Length())
			return &AppendEntriesResponse{
				CurrentTerm: n.currentTerm,
				LogLength:   n.log.Length(),
			}
		}
		if req.PrevLogIndex >= 0 {
			prevEntry, err := n.log.Read(req.PrevLogIndex)
			prevTerm := int64(-1)
			if err == nil {
				prevTerm = prevEntry.Term
			}
			if prevTerm != req.PrevLogTerm {
				// rewind one behind the mismatching slot so the leader's
				// next probe starts on ground both sides agree on
				if err := n.log.Truncate(req.PrevLogIndex - 1); err != nil {
					log.Panicf("truncate: %v", err)
				}
				log.Infof("AppendEntries term mismatch at %d: %d != %d",
					req.PrevLogIndex, prevTerm, req.PrevLogTerm)
				return &AppendEntriesResponse{
					CurrentTerm: n.currentTerm,
					LogLength:   n.log.Length(),
				}
			}
		}
		if n.commitIndex-n.lastApplied > n.cfg.MaxCommitPending {
			log.Infof("AppendEntries too fast: commit %d, applied %d",
				n.commitIndex, n.lastApplied)
			return &AppendEntriesResponse{
				CurrentTerm: n.currentTerm,
				LogLength:   n.log.Length(),
				IsBusy:      true,
			}
		}
		if n.log.Length() > req.PrevLogIndex+1 {
			oldLength := n.log.Length()
			if err := n.log.Truncate(req.PrevLogIndex); err != nil {
				log.Panicf("truncate: %v", err)
			}
			log.Infof("log length alignment: %d -> %d", oldLength, req.PrevLogIndex+1)
		}
		// the batch append happens without the core mutex held
		n.mu.Unlock()
		err := n.log.AppendBatch(req.Entries)
		n.mu.Lock()
		if err != nil {
			log.Panicf("append batch: %v", err)
		}
	}

	newCommitIndex := n.log.Length() - 1
	if req.LeaderCommitIndex < newCommitIndex {
		newCommitIndex = req.LeaderCommitIndex
	}
	if newCommitIndex > n.commitIndex {
		n.commitIndex = newCommitIndex
		n.commitCond.Signal()
		log.Debugf("follower: update commit index to %d", n.commitIndex)
	}
	return &AppendEntriesResponse{
		CurrentTerm: n.currentTerm,
		Success:     true,
		LogLength:   n.log.Length(),
	}
}
