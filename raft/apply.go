package raft

import (
	"errors"
	"strconv"
	"time"

	"github.com/accord-kv/accord/lib/auth"
	"github.com/accord-kv/accord/lib/binlog"
	"github.com/accord-kv/accord/lib/storage"
)

// --------------------------------------------------------------------------
// Apply Loop
// --------------------------------------------------------------------------

// commitIndexObserv is the single apply loop of the node. It drains the
// committed-but-unapplied window of the log, dispatching each entry into
// the state machine under the snapshot-exclusion lock, then completes the
// waiting client (if any) and records the applied position under the
// sentinel key of the in-memory store. That record is not persisted on
// its own; after a restart it is rebuilt by replay.
func (n *Node) commitIndexObserv() {
	defer n.wg.Done()
	n.mu.Lock()
	for !n.stop {
		for !n.stop && n.commitIndex <= n.lastApplied {
			n.commitCond.Wait()
		}
		if n.stop {
			break
		}
		fromIdx := n.lastApplied
		toIdx := n.commitIndex
		n.mu.Unlock()

		for i := fromIdx + 1; i <= toIdx; i++ {
			entry, err := n.log.Read(i)
			if err != nil {
				log.Panicf("apply: read slot %d: %v", i, err)
			}

			n.snapMu.Lock()
			outcome := n.dispatch(i, entry)
			n.snapMu.Unlock()

			n.mu.Lock()
			if n.role == Leader && outcome.nopCommitted {
				n.inSafeMode = false
				log.Infof("leave safe mode now")
			}
			if ack, ok := n.clientAck[i]; ok && n.role == Leader {
				ack.done(outcome.result)
				delete(n.clientAck, i)
			}
			if entry.Op == binlog.OpAddNode && n.memberChange != nil &&
				n.memberChange.nodeAddr == entry.Key {
				// the membership change is committed, complete the caller
				n.memberChange.timer.Stop()
				n.memberChange.done(true)
				n.memberChange = nil
			}
			n.lastApplied++
			if err := n.store.Put(storage.AnonymousUser, storage.TagLastAppliedIndex,
				[]byte(strconv.FormatInt(n.lastApplied, 10))); err != nil {
				log.Panicf("apply: record last applied index: %v", err)
			}
			n.mu.Unlock()
		}
		n.mu.Lock()
	}
	n.mu.Unlock()
}

// applyOutcome carries what the post-dispatch step under the core mutex
// needs to know.
type applyOutcome struct {
	nopCommitted bool
	result       applyResult
}

// dispatch applies one committed entry to the state machine. Runs under
// the snapshot-exclusion lock; an apply failure is fatal because the
// state machine has no way to skip a committed entry.
func (n *Node) dispatch(index int64, entry binlog.Entry) applyOutcome {
	outcome := applyOutcome{result: applyResult{ok: true, status: RetOK}}
	switch entry.Op {
	case binlog.OpPut, binlog.OpLock:
		tagged := storage.EncodeValue(byte(entry.Op), entry.Value)
		if err := n.storePut(entry.User, entry.Key, tagged); err != nil {
			log.Panicf("apply put: %v", err)
		}
		if entry.Op == binlog.OpLock {
			n.touchParentKey(entry.User, entry.Key, string(entry.Value), "lock")
			n.sessionLocksMu.Lock()
			sessionID := string(entry.Value)
			if n.sessionLocks[sessionID] == nil {
				n.sessionLocks[sessionID] = make(map[string]struct{})
			}
			n.sessionLocks[sessionID][entry.Key] = struct{}{}
			n.sessionLocksMu.Unlock()
		}
		n.triggerEventWithParent(bindKeyAndUser(entry.User, entry.Key), entry.Value, false)

	case binlog.OpDel:
		if err := n.storeDelete(entry.User, entry.Key); err != nil {
			log.Panicf("apply delete: %v", err)
		}
		n.triggerEventWithParent(bindKeyAndUser(entry.User, entry.Key), entry.Value, true)

	case binlog.OpUnlock:
		oldSession := string(entry.Value)
		raw, err := n.store.Get(entry.User, entry.Key)
		if err == nil {
			tag, curSession := storage.ParseValue(raw)
			if tag == byte(binlog.OpLock) && string(curSession) == oldSession {
				if err := n.storeDelete(entry.User, entry.Key); err != nil {
					log.Panicf("apply unlock: %v", err)
				}
				log.Infof("unlock on %s", entry.Key)
				n.touchParentKey(entry.User, entry.Key, oldSession, "unlock")
				n.triggerEventWithParent(bindKeyAndUser(entry.User, entry.Key),
					[]byte(oldSession), true)
			}
		}

	case binlog.OpNop:
		n.mu.Lock()
		if entry.Term == n.currentTerm {
			outcome.nopCommitted = true
		}
		log.Infof("nop term: %d, cur term: %d", entry.Term, n.currentTerm)
		n.mu.Unlock()

	case binlog.OpLogin:
		err := n.users.Login(entry.Key, string(entry.Value), entry.User)
		outcome.result.status = authStatus(err)
		outcome.result.ok = err == nil
		if err == nil {
			outcome.result.uuid = entry.User
			n.store.OpenDatabase(entry.Key)
		}

	case binlog.OpLogout:
		err := n.users.Logout(entry.User)
		outcome.result.status = authStatus(err)
		outcome.result.ok = err == nil

	case binlog.OpRegister:
		err := n.users.Register(entry.Key, string(entry.Value))
		outcome.result.status = authStatus(err)
		outcome.result.ok = err == nil

	case binlog.OpAddNode:
		newNodeAddr := entry.Key
		log.Infof("log idx %d for add node %s has been committed", index, newNodeAddr)
		n.mu.Lock()
		n.updateMembership(index, newNodeAddr)
		if n.role == Leader && newNodeAddr != n.selfID {
			if !n.replicating[newNodeAddr] {
				n.nextIndex[newNodeAddr] = n.log.Length()
				n.matchIndex[newNodeAddr] = -1
			}
			n.startReplicator(newNodeAddr)
		}
		promoted := newNodeAddr == n.selfID && n.quiet
		if promoted {
			// we are the newcomer: leave quiet mode, join elections
			n.quiet = false
			n.checkLeaderCrash()
		}
		n.mu.Unlock()

	case binlog.OpRemoveNode:
		removedAddr := entry.Key
		log.Infof("log idx %d for remove node %s has been committed", index, removedAddr)
		n.mu.Lock()
		n.removeMembership(index, removedAddr)
		if n.role == Leader && removedAddr != n.selfID {
			// one final heartbeat so the retired node observes the
			// commit that removed it
			hb := &AppendEntriesRequest{
				Term:              n.currentTerm,
				LeaderID:          n.selfID,
				PrevLogIndex:      -1,
				PrevLogTerm:       -1,
				LeaderCommitIndex: index,
			}
			go func() {
				if _, err := n.transp.AppendEntries(removedAddr, hb, rpcControlTimeout); err != nil {
					log.Debugf("final heartbeat to %s: %v", removedAddr, err)
				}
			}()
		}
		if removedAddr == n.selfID {
			// removed from the cluster: stop campaigning
			n.quiet = true
			n.role = Follower
			if n.electionTimer != nil {
				n.electionTimer.Stop()
			}
		}
		n.mu.Unlock()

	default:
		log.Warningf("unfamiliar op: %d", byte(entry.Op))
	}
	return outcome
}

// storePut writes through to the user's sub-store, opening it lazily on
// the first committed entry naming the user.
func (n *Node) storePut(user, key string, value []byte) error {
	err := n.store.Put(user, key, value)
	if errors.Is(err, storage.ErrUnknownUser) {
		n.store.OpenDatabase(user)
		err = n.store.Put(user, key, value)
	}
	return err
}

func (n *Node) storeDelete(user, key string) error {
	err := n.store.Delete(user, key)
	if errors.Is(err, storage.ErrUnknownUser) {
		n.store.OpenDatabase(user)
		err = n.store.Delete(user, key)
	}
	return err
}

func authStatus(err error) RetCode {
	switch {
	case err == nil:
		return RetOK
	case errors.Is(err, auth.ErrUnknownUser):
		return RetUnknownUser
	case errors.Is(err, auth.ErrUserExists):
		return RetUserExists
	case errors.Is(err, auth.ErrWrongPassword):
		return RetWrongPassword
	default:
		return RetError
	}
}

// --------------------------------------------------------------------------
// Parent-Key Touch and Watch Triggering
// --------------------------------------------------------------------------

// touchParentKey writes a breadcrumb into the parent of a hierarchical
// key so directory-level watches observe lock traffic. The parent key's
// previous content is overwritten; callers must not store user data
// there.
func (n *Node) touchParentKey(user, key, changedSession, action string) {
	parent, ok := parentKey(key)
	if !ok {
		return
	}
	value := storage.EncodeValue(byte(binlog.OpPut), []byte(action+","+changedSession))
	if err := n.storePut(user, parent, value); err != nil {
		log.Warningf("touch parent key %s: %v", parent, err)
	}
}

// triggerEventWithParent fires the watches on the changed key and on its
// parent directory. A parent watch that is not registered yet gets one
// delayed retry, covering the race with a client re-arming its directory
// watch.
func (n *Node) triggerEventWithParent(key string, value []byte, deleted bool) {
	n.watches.Trigger(key, key, value, deleted)
	parent, ok := parentKey(key)
	if !ok {
		return
	}
	if !n.watches.Trigger(parent, key, value, deleted) {
		time.AfterFunc(2*time.Second, func() {
			n.watches.Trigger(parent, key, value, deleted)
		})
	}
}
