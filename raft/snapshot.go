package raft

import (
	"io"
	"strconv"
	"time"

	"github.com/accord-kv/accord/lib/snapshot"
	"github.com/accord-kv/accord/lib/storage"
)

// --------------------------------------------------------------------------
// Periodic Snapshot Writer
// --------------------------------------------------------------------------

// snapshotLoop periodically persists a snapshot of the applied state.
func (n *Node) snapshotLoop() {
	defer n.wg.Done()
	select {
	case <-n.stopCh:
		return
	case <-time.After(snapshotStartupDelay):
	}
	for {
		n.mu.Lock()
		stopped := n.stop
		n.mu.Unlock()
		if stopped {
			return
		}
		if err := n.writeSnapshot(); err != nil {
			log.Warningf("write snapshot failed: %v", err)
		} else {
			log.Infof("write snapshot success")
		}
		select {
		case <-n.stopCh:
			return
		case <-time.After(n.cfg.SnapshotInterval):
		}
	}
}

// writeSnapshot persists the anonymous key space plus the meta record
// covering it. Holding the snapshot-exclusion lock first guarantees the
// apply loop is quiescent, so the state and its meta are consistent.
func (n *Node) writeSnapshot() error {
	n.snapMu.Lock()
	defer n.snapMu.Unlock()
	if n.doingSnapshotTS != -1 {
		log.Infof("receiving snapshot now, skip snapshot write")
		return nil
	}

	n.mu.Lock()
	lastApplied := n.lastApplied
	currentTerm := n.currentTerm
	voted, _ := n.meta.VotedFor(n.currentTerm)
	members := append([]string(nil), n.members...)
	it := n.store.NewIterator(storage.AnonymousUser)
	n.mu.Unlock()

	w, err := n.snaps.NewWriter()
	if err != nil {
		return err
	}
	for it.Seek(""); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.AddMeta(snapshot.Meta{
		Term:       currentTerm,
		LogIndex:   lastApplied,
		Voted:      voted,
		Membership: members,
	}); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// --------------------------------------------------------------------------
// Snapshot Install (receiver side)
// --------------------------------------------------------------------------

// HandleInstallSnapshot receives one packet of a snapshot transfer. The
// first packet of a new timestamp opens a fresh staging slot; mismatched
// timestamps while a transfer is in progress are refused. The final
// packet commits the staged snapshot and loads it.
func (n *Node) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	n.mu.Lock()
	stopped := n.stop
	n.mu.Unlock()
	if stopped {
		return &InstallSnapshotResponse{}
	}
	n.snapMu.Lock()
	if n.doingSnapshotTS != -1 {
		if n.doingSnapshotTS != req.Timestamp {
			log.Warningf("installing snapshot %d, refuse new snapshot %d",
				n.doingSnapshotTS, req.Timestamp)
			n.snapMu.Unlock()
			return &InstallSnapshotResponse{}
		}
	} else {
		w, err := n.snaps.NewWriter()
		if err != nil {
			log.Warningf("open snapshot staging slot: %v", err)
			n.snapMu.Unlock()
			return &InstallSnapshotResponse{}
		}
		n.doingSnapshotTS = req.Timestamp
		n.installWriter = w
		log.Infof("start receiving snapshot, timestamp: %d", req.Timestamp)
	}

	for _, item := range req.Items {
		var err error
		if item.Key == snapshot.MetaKey {
			meta, decodeErr := snapshot.DecodeMeta(item.Val)
			if decodeErr != nil {
				err = decodeErr
			} else {
				err = n.installWriter.AddMeta(meta)
			}
		} else {
			err = n.installWriter.Add(item.Key, item.Val)
		}
		if err != nil {
			log.Warningf("stage snapshot record: %v", err)
			n.installWriter.Abort()
			n.installWriter = nil
			n.doingSnapshotTS = -1
			n.snapMu.Unlock()
			return &InstallSnapshotResponse{}
		}
	}

	if req.IsLast {
		if err := n.installWriter.Commit(); err != nil {
			log.Warningf("commit received snapshot: %v", err)
			n.installWriter = nil
			n.doingSnapshotTS = -1
			n.snapMu.Unlock()
			return &InstallSnapshotResponse{}
		}
		n.installWriter = nil
		n.doingSnapshotTS = -1
		log.Infof("finished receiving snapshot %d, loading", req.Timestamp)
		n.snapMu.Unlock()
		if err := n.loadSnapshot(); err != nil {
			log.Warningf("load received snapshot: %v", err)
			return &InstallSnapshotResponse{}
		}
		return &InstallSnapshotResponse{Success: true}
	}
	n.snapMu.Unlock()
	return &InstallSnapshotResponse{Success: true}
}

// loadSnapshot replaces the local state with the committed snapshot:
// store reset and replayed, membership rebuilt, term and vote restored,
// the log cut over to start right after the covered prefix.
func (n *Node) loadSnapshot() error {
	n.snapMu.Lock()
	defer n.snapMu.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()

	meta, err := n.snaps.Meta()
	if err != nil {
		return err
	}
	log.Infof("load snapshot, term: %d, last_applied_index: %d", meta.Term, meta.LogIndex)

	n.store.Reset()
	r, err := n.snaps.NewReader()
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		key, val, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if key == snapshot.MetaKey {
			continue
		}
		if err := n.store.Put(storage.AnonymousUser, key, val); err != nil {
			return err
		}
	}

	n.members = append([]string(nil), meta.Membership...)
	n.changedMembers[meta.LogIndex] = append([]string(nil), meta.Membership...)
	n.singleNode = len(n.members) == 1
	selfInCluster := n.isMember(n.selfID)
	if !selfInCluster {
		log.Warningf("this node is not in the snapshot's membership: %s", n.selfID)
	}

	if err := n.meta.WriteCurrentTerm(meta.Term); err != nil {
		return err
	}
	if meta.Voted != "" {
		if err := n.meta.WriteVotedFor(meta.Term, meta.Voted); err != nil {
			return err
		}
	}
	if err := n.store.Put(storage.AnonymousUser, storage.TagLastAppliedIndex,
		[]byte(strconv.FormatInt(meta.LogIndex, 10))); err != nil {
		return err
	}
	n.lastApplied = meta.LogIndex
	n.commitIndex = meta.LogIndex
	n.currentTerm = meta.Term
	if err := n.log.SetLengthAndLastTerm(meta.LogIndex+1, meta.Term); err != nil {
		return err
	}
	log.Infof("snapshot loaded, last_applied=%d commit=%d term=%d",
		n.lastApplied, n.commitIndex, n.currentTerm)
	return nil
}

// --------------------------------------------------------------------------
// Snapshot Transfer (sender side)
// --------------------------------------------------------------------------

// trySendSnapshot streams the current snapshot to a follower whose
// required log prefix has been compacted away. Returns true once the
// follower has installed it and the replication indexes are bumped past
// the covered prefix.
func (n *Node) trySendSnapshot(followerID string) bool {
	n.snapMu.Lock()
	defer n.snapMu.Unlock()

	meta, err := n.snaps.Meta()
	if err != nil {
		log.Warningf("get snapshot meta failed: %v", err)
		return false
	}
	r, err := n.snaps.NewReader()
	if err != nil {
		log.Warningf("open snapshot failed: %v", err)
		return false
	}
	defer r.Close()

	timestamp := nowMicros()
	log.Infof("try send snapshot to %s, timestamp: %d", followerID, timestamp)
	req := &InstallSnapshotRequest{Timestamp: timestamp}
	reqBytes := 0
	for {
		key, val, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warningf("read snapshot record: %v", err)
			return false
		}
		if key == snapshot.MetaKey {
			// the meta record travels in the final packet
			continue
		}
		if reqBytes >= n.cfg.MaxSnapshotRequestSize {
			resp, err := n.transp.InstallSnapshot(followerID, req, rpcReplicationTimeout)
			if err != nil || !resp.Success {
				log.Warningf("send snapshot packet failed: %v", err)
				return false
			}
			req = &InstallSnapshotRequest{Timestamp: timestamp}
			reqBytes = 0
		}
		req.Items = append(req.Items, SnapshotItem{Key: key, Val: val})
		reqBytes += len(key) + len(val)
	}

	req.Items = append(req.Items, SnapshotItem{Key: snapshot.MetaKey, Val: snapshot.EncodeMeta(meta)})
	req.IsLast = true
	resp, err := n.transp.InstallSnapshot(followerID, req, rpcReplicationTimeout)
	if err != nil || !resp.Success {
		log.Warningf("send last snapshot packet failed: %v", err)
		return false
	}
	log.Infof("send snapshot to %s success", followerID)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextIndex[followerID] = meta.LogIndex + 1
	n.matchIndex[followerID] = meta.LogIndex
	log.Infof("set %s next_index to %d match_index to %d",
		followerID, meta.LogIndex+1, meta.LogIndex)
	if !n.isMember(followerID) &&
		n.nextIndex[followerID]+n.cfg.MinLogGap >= n.log.Length() {
		if n.memberChange == nil {
			log.Warningf("not in membership change, maybe already timeout")
			return true
		}
		if n.memberChange.logIndex < 0 {
			log.Infof("new node %s caught up, write membership change log", followerID)
			go n.writeMembershipChangeLog(followerID)
		}
	}
	return true
}
