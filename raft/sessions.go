package raft

import (
	"time"

	"github.com/accord-kv/accord/lib/binlog"
)

// --------------------------------------------------------------------------
// Session Expiry Sweep
// --------------------------------------------------------------------------

// sessionSweeper drops expired sessions on a fixed cadence: their watches
// are canceled and, on the leader, Unlock entries for their held locks
// and Logout entries for their login tokens are proposed through the log
// so every replica releases them.
func (n *Node) sessionSweeper() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		if n.stop {
			n.mu.Unlock()
			return
		}
		curTerm := n.currentTerm
		curRole := n.role
		n.mu.Unlock()

		expired := n.sessions.ExpireBefore(nowMicros())
		for _, s := range expired {
			log.Infof("remove expired session %s", s.ID)
			n.watches.RemoveBySession(s.ID)
		}

		type unlockKey struct {
			key       string
			sessionID string
			uuid      string
		}
		var unlocks []unlockKey
		n.sessionLocksMu.Lock()
		for _, s := range expired {
			for key := range n.sessionLocks[s.ID] {
				unlocks = append(unlocks, unlockKey{key: key, sessionID: s.ID, uuid: s.UUID})
			}
			delete(n.sessionLocks, s.ID)
		}
		n.sessionLocksMu.Unlock()

		if curRole == Leader {
			n.mu.Lock()
			for _, u := range unlocks {
				if _, err := n.log.Append(binlog.Entry{
					Term:  curTerm,
					Op:    binlog.OpUnlock,
					Key:   u.key,
					Value: []byte(u.sessionID),
					User:  n.users.UsernameFromUUID(u.uuid),
				}); err != nil {
					log.Panicf("append unlock: %v", err)
				}
			}
			for _, s := range expired {
				if s.UUID == "" {
					continue
				}
				if _, err := n.log.Append(binlog.Entry{
					Term: curTerm,
					Op:   binlog.OpLogout,
					User: s.UUID,
				}); err != nil {
					log.Panicf("append logout: %v", err)
				}
			}
			if len(unlocks) > 0 || len(expired) > 0 {
				n.replBroadcast()
			}
			if n.singleNode {
				n.updateCommitIndex(n.log.Length() - 1)
			}
			n.mu.Unlock()
		}

		select {
		case <-n.stopCh:
			return
		case <-time.After(sessionSweepInterval):
		}
	}
}
