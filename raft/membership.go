package raft

import (
	"context"
	"time"

	"github.com/accord-kv/accord/lib/binlog"
)

// --------------------------------------------------------------------------
// Membership Queries
// --------------------------------------------------------------------------

// getMembership returns the member list in force at logIdx: the vector
// recorded at the greatest change index not exceeding it. Callers hold mu.
func (n *Node) getMembership(logIdx int64) []string {
	best := int64(-1)
	found := false
	for idx := range n.changedMembers {
		if idx <= logIdx && (!found || idx > best) {
			best = idx
			found = true
		}
	}
	if !found {
		return n.changedMembers[-1]
	}
	return n.changedMembers[best]
}

// updateMembership records the post-add membership from logIndex on and
// mutates the current member list. Runs on the leader at append time and
// on every replica at apply time; the second run on the leader is a
// no-op for changedMembers but must not double-add the member. Callers
// hold mu.
func (n *Node) updateMembership(logIndex int64, newNodeAddr string) {
	if _, ok := n.changedMembers[logIndex]; !ok {
		newMembers := append([]string(nil), n.members...)
		newMembers = append(newMembers, newNodeAddr)
		n.changedMembers[logIndex] = newMembers
	}
	if !n.isMember(newNodeAddr) {
		n.members = append(n.members, newNodeAddr)
	}
	n.singleNode = len(n.members) == 1
}

// removeMembership records the post-remove membership from logIndex on.
// Callers hold mu.
func (n *Node) removeMembership(logIndex int64, removedAddr string) {
	kept := make([]string, 0, len(n.members))
	for _, member := range n.members {
		if member != removedAddr {
			kept = append(kept, member)
		}
	}
	if _, ok := n.changedMembers[logIndex]; !ok {
		n.changedMembers[logIndex] = append([]string(nil), kept...)
	}
	n.members = kept
	n.singleNode = len(n.members) == 1
}

// --------------------------------------------------------------------------
// AddNode
// --------------------------------------------------------------------------

// AddNode admits one new server. The node first catches up via a
// dedicated replicator (snapshot transfer included); once it trails the
// log by at most MinLogGap entries, the membership change entry is written and
// the caller completes when it commits. A single change may be in flight
// at a time.
func (n *Node) AddNode(ctx context.Context, req *AddNodeRequest) *AddNodeResponse {
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &AddNodeResponse{LeaderID: leader}
	}
	if n.memberChange != nil {
		log.Infof("membership change in flight, refuse new change request")
		n.mu.Unlock()
		return &AddNodeResponse{}
	}
	if n.isMember(req.NodeAddr) {
		n.mu.Unlock()
		return &AddNodeResponse{}
	}

	ch := make(chan bool, 1)
	mc := &memberChangeContext{
		nodeAddr: req.NodeAddr,
		logIndex: -1,
		done:     func(ok bool) { ch <- ok },
	}
	mc.timer = time.AfterFunc(n.cfg.AddNodeTimeout, n.checkMembershipChangeFailure)
	n.memberChange = mc
	n.nextIndex[req.NodeAddr] = 0
	n.matchIndex[req.NodeAddr] = -1
	log.Infof("try to add node %s", req.NodeAddr)
	n.startReplicator(req.NodeAddr)
	n.mu.Unlock()

	select {
	case ok := <-ch:
		return &AddNodeResponse{Success: ok}
	case <-ctx.Done():
		return &AddNodeResponse{}
	}
}

// writeMembershipChangeLog appends the AddNode entry once the newcomer
// has caught up. The membership takes effect on the leader immediately:
// commit counting at indexes from here on includes the new node.
func (n *Node) writeMembershipChangeLog(newNodeAddr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.memberChange == nil || n.memberChange.nodeAddr != newNodeAddr {
		log.Infof("not in membership change, maybe timeout")
		return
	}
	if n.memberChange.logIndex >= 0 {
		// the change entry is already in the log
		return
	}
	idx, err := n.log.Append(binlog.Entry{
		Term: n.currentTerm,
		Op:   binlog.OpAddNode,
		Key:  newNodeAddr,
	})
	if err != nil {
		log.Panicf("append add-node entry: %v", err)
	}
	n.memberChange.logIndex = idx
	wasSingle := n.singleNode
	n.updateMembership(idx, newNodeAddr)
	if wasSingle && !n.singleNode {
		// a lone leader had no heartbeat loop running yet
		go n.broadCastHeartBeat()
	}
	n.startReplicator(newNodeAddr)
	n.replBroadcast()
	if n.singleNode {
		n.updateCommitIndex(n.log.Length() - 1)
	}
}

// checkMembershipChangeFailure times out a membership change that did
// not commit. Neither the matching progress toward the newcomer nor the
// membership recorded when its AddNode entry was appended is rolled back.
func (n *Node) checkMembershipChangeFailure() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.memberChange == nil {
		return
	}
	log.Infof("membership change timeout")
	if n.memberChange.logIndex >= 0 {
		delete(n.clientAck, n.memberChange.logIndex)
	}
	n.memberChange.done(false)
	n.memberChange = nil
}

// --------------------------------------------------------------------------
// RemoveNode
// --------------------------------------------------------------------------

// RemoveNode retires one server: the change travels through the log and
// every replica shrinks its membership when the entry applies. It is
// refused while an AddNode change is in flight; a pending removal is not
// registered as an in-flight change, so it does not block a further
// AddNode or RemoveNode.
func (n *Node) RemoveNode(ctx context.Context, req *RemoveNodeRequest) *RemoveNodeResponse {
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &RemoveNodeResponse{LeaderID: leader}
	}
	if n.memberChange != nil {
		log.Infof("membership change in flight, refuse new change request")
		n.mu.Unlock()
		return &RemoveNodeResponse{}
	}
	if !n.isMember(req.NodeAddr) {
		n.mu.Unlock()
		return &RemoveNodeResponse{}
	}
	if req.NodeAddr == n.selfID {
		// the leader cannot retire itself, a follower must be asked
		// after a leadership transfer
		n.mu.Unlock()
		return &RemoveNodeResponse{}
	}

	ch, idx := n.proposeLocked(binlog.Entry{
		Term: n.currentTerm,
		Op:   binlog.OpRemoveNode,
		Key:  req.NodeAddr,
	})
	n.mu.Unlock()

	r := n.awaitAck(ctx, ch, idx)
	return &RemoveNodeResponse{Success: r.ok}
}
