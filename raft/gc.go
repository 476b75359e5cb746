package raft

import (
	"math"
	"time"
)

// --------------------------------------------------------------------------
// Log Garbage Collection
// --------------------------------------------------------------------------

// garbageCleanLoop runs the cluster-wide log compaction round on the
// leader: collect every member's applied position, derive the safe
// cleaning floor (one below the minimum) and broadcast it. Each
// recipient, this node included, truncates its log prefix up to that
// floor.
func (n *Node) garbageCleanLoop() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		if n.stop {
			n.mu.Unlock()
			return
		}
		isLeader := n.role == Leader
		members := append([]string(nil), n.members...)
		n.mu.Unlock()

		if isLeader {
			n.garbageClean(members)
		}
		select {
		case <-n.stopCh:
			return
		case <-time.After(n.cfg.GCInterval):
		}
	}
}

func (n *Node) garbageClean(members []string) {
	minApplied := int64(math.MaxInt64)
	gotAll := true
	for _, member := range members {
		var lastApplied int64
		if member == n.selfID {
			n.mu.Lock()
			lastApplied = n.lastApplied
			n.mu.Unlock()
		} else {
			resp, err := n.transp.ShowStatus(member, rpcControlTimeout)
			if err != nil {
				log.Infof("failed to get last_applied_index from %s: %v", member, err)
				gotAll = false
				break
			}
			lastApplied = resp.LastApplied
		}
		if lastApplied < minApplied {
			minApplied = lastApplied
		}
	}
	if !gotAll {
		return
	}

	safeCleanIndex := minApplied - 1
	n.mu.Lock()
	oldIndex := n.lastSafeClean
	n.lastSafeClean = safeCleanIndex
	n.mu.Unlock()
	if oldIndex == safeCleanIndex {
		return
	}
	log.Infof("[gc] safe clean index is: %d", safeCleanIndex)
	req := &CleanBinlogRequest{EndIndex: safeCleanIndex}
	for _, member := range members {
		if member == n.selfID {
			n.HandleCleanBinlog(req)
			continue
		}
		if _, err := n.transp.CleanBinlog(member, req, rpcControlTimeout); err != nil {
			log.Infof("failed to send clean binlog request to %s: %v", member, err)
		}
	}
}
