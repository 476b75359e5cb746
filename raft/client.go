package raft

import (
	"context"
	"math/rand"

	"github.com/accord-kv/accord/lib/auth"
	"github.com/accord-kv/accord/lib/binlog"
	"github.com/accord-kv/accord/lib/session"
	"github.com/accord-kv/accord/lib/storage"
	"github.com/accord-kv/accord/lib/watch"
)

// --------------------------------------------------------------------------
// Guards
// --------------------------------------------------------------------------

// leaderCheck classifies this node's ability to serve a client request.
// Callers hold mu. The returned leader id is the redirect hint ("" when
// unknown).
func (n *Node) leaderCheck() (RetCode, string) {
	switch n.role {
	case Follower:
		return RetNotLeader, n.currentLeader
	case Candidate:
		return RetLeaderUnknown, ""
	default:
		return RetOK, ""
	}
}

// uuidCheck rejects requests carrying a login token that is no longer
// valid. An empty uuid is the anonymous user and always passes.
func (n *Node) uuidCheck(uuid string) bool {
	return uuid == "" || n.users.IsLoggedIn(uuid)
}

// sampleAccess writes a trace line for a sampled fraction of requests.
func (n *Node) sampleAccess(action string) {
	if n.cfg.TraceRatio > 0 && rand.Float64() < n.cfg.TraceRatio {
		log.Infof("[trace] %s", action)
	}
}

// --------------------------------------------------------------------------
// Proposal Pipeline
// --------------------------------------------------------------------------

// proposeLocked appends the entry, registers the client ack and wakes the
// replicators. Callers hold mu and have passed all guards. The returned
// channel receives the apply result exactly once.
func (n *Node) proposeLocked(entry binlog.Entry) (chan applyResult, int64) {
	idx, err := n.log.Append(entry)
	if err != nil {
		log.Panicf("append entry: %v", err)
	}
	ch := make(chan applyResult, 1)
	n.clientAck[idx] = &clientAck{
		op:   entry.Op,
		done: func(r applyResult) { ch <- r },
	}
	n.replBroadcast()
	if n.singleNode {
		n.updateCommitIndex(n.log.Length() - 1)
	}
	return ch, idx
}

// awaitAck blocks until the proposal is applied or the context runs out;
// in the latter case the pending ack is withdrawn.
func (n *Node) awaitAck(ctx context.Context, ch chan applyResult, idx int64) applyResult {
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.clientAck, idx)
		n.mu.Unlock()
		return applyResult{ok: false, status: RetError}
	}
}

// --------------------------------------------------------------------------
// Put / Delete
// --------------------------------------------------------------------------

// Put proposes a key write and waits for it to commit and apply.
func (n *Node) Put(ctx context.Context, req *PutRequest) *PutResponse {
	n.stats.Mark("put")
	n.sampleAccess("Put")
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &PutResponse{LeaderID: leader}
	}
	if len(n.clientAck) > n.cfg.MaxWritePending {
		log.Warningf("write pending size: %d", len(n.clientAck))
		n.mu.Unlock()
		return &PutResponse{}
	}
	if !n.uuidCheck(req.UUID) {
		n.mu.Unlock()
		return &PutResponse{UuidExpired: true}
	}
	ch, idx := n.proposeLocked(binlog.Entry{
		Term:  n.currentTerm,
		Op:    binlog.OpPut,
		Key:   req.Key,
		Value: req.Value,
		User:  n.users.UsernameFromUUID(req.UUID),
	})
	n.mu.Unlock()

	r := n.awaitAck(ctx, ch, idx)
	return &PutResponse{Success: r.ok}
}

// Delete proposes a key removal and waits for it to commit and apply.
func (n *Node) Delete(ctx context.Context, req *DelRequest) *DelResponse {
	n.stats.Mark("delete")
	n.sampleAccess("Delete")
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &DelResponse{LeaderID: leader}
	}
	if !n.uuidCheck(req.UUID) {
		n.mu.Unlock()
		return &DelResponse{UuidExpired: true}
	}
	ch, idx := n.proposeLocked(binlog.Entry{
		Term: n.currentTerm,
		Op:   binlog.OpDel,
		Key:  req.Key,
		User: n.users.UsernameFromUUID(req.UUID),
	})
	n.mu.Unlock()

	r := n.awaitAck(ctx, ch, idx)
	return &DelResponse{Success: r.ok}
}

// --------------------------------------------------------------------------
// Get (leader-confirmed read)
// --------------------------------------------------------------------------

// readContext is the shared state of one read-confirmation round. The
// first path reaching a majority (or failure) fires the result and marks
// the context triggered; later callbacks return without effect.
type readContext struct {
	triggered bool
	succCount int
	errCount  int
	result    chan *GetResponse
}

// Get serves a linearizable read. The leader confirms its authority with
// a heartbeat round unless one completed within the last election
// timeout; in between, reads are served directly from local state.
func (n *Node) Get(ctx context.Context, req *GetRequest) *GetResponse {
	n.stats.Mark("get")
	n.sampleAccess("Get")
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &GetResponse{LeaderID: leader}
	}
	if n.inSafeMode {
		log.Infof("leader is still in safe mode")
		n.mu.Unlock()
		return &GetResponse{}
	}
	if !n.uuidCheck(req.UUID) {
		n.mu.Unlock()
		return &GetResponse{UuidExpired: true}
	}

	if len(n.members) > 1 &&
		nowMicros()-n.heartbeatReadMicros > n.cfg.ElectTimeoutMin.Microseconds() {
		log.Debugf("broadcast for read")
		rc := &readContext{succCount: 1, result: make(chan *GetResponse, 1)}
		hb := &AppendEntriesRequest{
			Term:              n.currentTerm,
			LeaderID:          n.selfID,
			PrevLogIndex:      -1,
			PrevLogTerm:       -1,
			LeaderCommitIndex: n.commitIndex,
		}
		for _, member := range n.members {
			if member == n.selfID {
				continue
			}
			go func(addr string) {
				resp, err := n.transp.AppendEntries(addr, hb, rpcControlTimeout)
				n.readCallback(rc, req, resp, err)
			}(member)
		}
		n.mu.Unlock()

		select {
		case resp := <-rc.result:
			return resp
		case <-ctx.Done():
			return &GetResponse{}
		}
	}

	n.mu.Unlock()
	return n.readLocal(req)
}

// readCallback tallies one heartbeat response of a read round.
func (n *Node) readCallback(rc *readContext, req *GetRequest,
	resp *AppendEntriesResponse, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop || rc.triggered {
		return
	}
	if n.role != Leader {
		log.Infof("outdated read confirmation, no longer leader")
		rc.triggered = true
		rc.result <- &GetResponse{}
		return
	}
	if err == nil {
		if resp.CurrentTerm > n.currentTerm {
			n.transToFollower("readCallback", resp.CurrentTerm)
			rc.triggered = true
			rc.result <- &GetResponse{}
			return
		}
		rc.succCount++
	} else {
		rc.errCount++
	}
	if rc.succCount > len(n.members)/2 {
		rc.triggered = true
		n.heartbeatReadMicros = nowMicros()
		rc.result <- n.readLocal(req)
		return
	}
	if rc.errCount > len(n.members)/2 {
		rc.triggered = true
		rc.result <- &GetResponse{}
	}
}

// readLocal answers a Get from local state. A lock marker whose session
// has expired reads as a miss.
func (n *Node) readLocal(req *GetRequest) *GetResponse {
	user := n.users.UsernameFromUUID(req.UUID)
	raw, err := n.store.Get(user, req.Key)
	if err != nil {
		return &GetResponse{Success: true}
	}
	tag, value := storage.ParseValue(raw)
	if tag == byte(binlog.OpLock) && n.isExpiredSession(string(value)) {
		return &GetResponse{Success: true}
	}
	return &GetResponse{Success: true, Hit: true, Value: value}
}

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

// isExpiredSession reports whether the session id has no live lease on
// this node.
func (n *Node) isExpiredSession(sessionID string) bool {
	_, ok := n.sessions.Find(sessionID)
	return !ok
}

// lockIsAvailable decides whether the session may take the lock: the key
// is free (and the requester alive), held by a dead session, or held by
// the requester itself (re-entry).
func (n *Node) lockIsAvailable(user, key, sessionID string) bool {
	raw, err := n.store.Get(user, key)
	if err != nil {
		_, alive := n.sessions.Find(sessionID)
		return alive
	}
	tag, value := storage.ParseValue(raw)
	if tag != byte(binlog.OpLock) {
		return false
	}
	oldSession := string(value)
	_, oldAlive := n.sessions.Find(oldSession)
	_, selfAlive := n.sessions.Find(sessionID)
	if !oldAlive && selfAlive {
		return true
	}
	return oldAlive && oldSession == sessionID
}

// Lock proposes taking the advisory lock on key for the session.
func (n *Node) Lock(ctx context.Context, req *LockRequest) *LockResponse {
	n.stats.Mark("lock")
	n.sampleAccess("Lock")
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &LockResponse{LeaderID: leader}
	}
	if !n.uuidCheck(req.UUID) {
		n.mu.Unlock()
		return &LockResponse{UuidExpired: true}
	}
	if n.inSafeMode {
		log.Infof("leader is still in safe mode")
		n.mu.Unlock()
		return &LockResponse{}
	}
	if nowMicros()-n.serverStartMicros < n.cfg.SessionExpireTimeout.Microseconds() {
		// prior-leader leases may still be live but unknown here
		log.Infof("leader is still in safe mode for lock")
		n.mu.Unlock()
		return &LockResponse{}
	}

	user := n.users.UsernameFromUUID(req.UUID)
	if !n.lockIsAvailable(user, req.Key, req.SessionID) {
		log.Debugf("the lock %s is held by another session", req.Key)
		n.mu.Unlock()
		return &LockResponse{}
	}
	log.Infof("lock key: %s, session: %s", req.Key, req.SessionID)
	tagged := storage.EncodeValue(byte(binlog.OpLock), []byte(req.SessionID))
	if err := n.storePut(user, req.Key, tagged); err != nil {
		log.Panicf("lock write: %v", err)
	}
	ch, idx := n.proposeLocked(binlog.Entry{
		Term:  n.currentTerm,
		Op:    binlog.OpLock,
		Key:   req.Key,
		Value: []byte(req.SessionID),
		User:  user,
	})
	n.mu.Unlock()

	r := n.awaitAck(ctx, ch, idx)
	return &LockResponse{Success: r.ok}
}

// Unlock proposes releasing the lock held by the session.
func (n *Node) Unlock(ctx context.Context, req *UnlockRequest) *UnlockResponse {
	n.stats.Mark("unlock")
	n.sampleAccess("Unlock")
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &UnlockResponse{LeaderID: leader}
	}
	if !n.uuidCheck(req.UUID) {
		n.mu.Unlock()
		return &UnlockResponse{UuidExpired: true}
	}
	ch, idx := n.proposeLocked(binlog.Entry{
		Term:  n.currentTerm,
		Op:    binlog.OpUnlock,
		Key:   req.Key,
		Value: []byte(req.SessionID),
		User:  n.users.UsernameFromUUID(req.UUID),
	})
	n.mu.Unlock()

	r := n.awaitAck(ctx, ch, idx)
	return &UnlockResponse{Success: r.ok}
}

// --------------------------------------------------------------------------
// Scan
// --------------------------------------------------------------------------

// Scan returns the keys in [StartKey, EndKey) of the caller's key space,
// skipping the reserved bookkeeping key and locks of expired sessions.
func (n *Node) Scan(req *ScanRequest) *ScanResponse {
	n.stats.Mark("scan")
	n.sampleAccess("Scan")
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &ScanResponse{LeaderID: leader}
	}
	if !n.uuidCheck(req.UUID) {
		n.mu.Unlock()
		return &ScanResponse{UuidExpired: true}
	}
	if n.inSafeMode {
		log.Infof("leader is still in safe mode")
		n.mu.Unlock()
		return &ScanResponse{}
	}
	if nowMicros()-n.serverStartMicros < n.cfg.SessionExpireTimeout.Microseconds() {
		log.Infof("leader is still in safe mode for scan")
		n.mu.Unlock()
		return &ScanResponse{}
	}
	user := n.users.UsernameFromUUID(req.UUID)
	n.mu.Unlock()

	it := n.store.NewIterator(user)
	if it == nil {
		return &ScanResponse{Success: true, UuidExpired: true}
	}
	resp := &ScanResponse{Success: true}
	payloadBytes := 0
	for it.Seek(req.StartKey); it.Valid() && (req.EndKey == "" || it.Key() < req.EndKey); it.Next() {
		if req.SizeLimit > 0 && len(resp.Items) >= req.SizeLimit {
			resp.HasMore = true
			break
		}
		if payloadBytes > maxScanBytes {
			resp.HasMore = true
			break
		}
		if it.Key() == storage.TagLastAppliedIndex {
			continue
		}
		tag, value := storage.ParseValue(it.Value())
		if tag == byte(binlog.OpLock) && n.isExpiredSession(string(value)) {
			continue
		}
		resp.Items = append(resp.Items, ScanItem{Key: it.Key(), Value: value})
		payloadBytes += len(it.Key()) + len(value)
	}
	return resp
}

// --------------------------------------------------------------------------
// KeepAlive
// --------------------------------------------------------------------------

// KeepAlive refreshes a client session lease and its held-lock set. The
// leader forwards the lease to the followers so session state survives a
// failover.
func (n *Node) KeepAlive(req *KeepAliveRequest) *KeepAliveResponse {
	n.stats.Mark("keepalive")
	n.sampleAccess("KeepAlive")
	n.mu.Lock()
	if !req.ForwardFromLeader {
		if code, leader := n.leaderCheck(); code != RetOK {
			n.mu.Unlock()
			return &KeepAliveResponse{LeaderID: leader}
		}
	}
	n.mu.Unlock()

	timeout := n.cfg.SessionExpireTimeout.Microseconds()
	if req.TimeoutMillis > 0 {
		timeout = req.TimeoutMillis * 1000
	}
	n.sessions.Upsert(session.Session{
		ID:           req.SessionID,
		UUID:         req.UUID,
		ExpiryMicros: nowMicros() + timeout,
	})
	n.sessionLocksMu.Lock()
	locks := make(map[string]struct{}, len(req.Locks))
	for _, key := range req.Locks {
		locks[key] = struct{}{}
	}
	n.sessionLocks[req.SessionID] = locks
	n.sessionLocksMu.Unlock()
	log.Debugf("recv session id: %s", req.SessionID)

	n.forwardKeepAlive(req)
	return &KeepAliveResponse{Success: true}
}

// forwardKeepAlive relays a client lease to the followers, fire and
// forget.
func (n *Node) forwardKeepAlive(req *KeepAliveRequest) {
	n.mu.Lock()
	if n.role != Leader || req.ForwardFromLeader {
		n.mu.Unlock()
		return
	}
	var followers []string
	for _, member := range n.members {
		if member != n.selfID {
			followers = append(followers, member)
		}
	}
	n.mu.Unlock()

	forward := *req
	forward.ForwardFromLeader = true
	for _, addr := range followers {
		go func(addr string) {
			if _, err := n.transp.KeepAlive(addr, &forward, rpcControlTimeout); err != nil {
				log.Debugf("forward keepalive to %s: %v", addr, err)
			}
		}(addr)
	}
}

// --------------------------------------------------------------------------
// Watch
// --------------------------------------------------------------------------

// Watch registers a one-shot subscription on key and blocks until it
// fires (state differs from what the client last saw, now or later) or
// the context runs out.
func (n *Node) Watch(ctx context.Context, req *WatchRequest) *WatchResponse {
	n.stats.Mark("watch")
	n.sampleAccess("Watch")
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &WatchResponse{LeaderID: leader}
	}
	n.mu.Unlock()
	if !n.uuidCheck(req.UUID) {
		return &WatchResponse{UuidExpired: true}
	}

	user := n.users.UsernameFromUUID(req.UUID)
	boundKey := bindKeyAndUser(user, req.Key)
	ch := make(chan watch.Notice, 1)
	n.watches.Register(&watch.Event{
		Key:       boundKey,
		SessionID: req.SessionID,
		Notify:    func(notice watch.Notice) { ch <- notice },
	})

	// before one session lifetime has passed, the expiry state of lock
	// holders is unknown; the first-look evaluation is skipped then, and
	// only later changes fire the watch
	if nowMicros()-n.serverStartMicros > n.cfg.SessionExpireTimeout.Microseconds() {
		raw, err := n.store.Get(user, req.Key)
		keyExist := err == nil
		tag, value := storage.ParseValue(raw)
		if string(value) != string(req.OldValue) || keyExist != req.KeyExist {
			log.Infof("key: %s changed before watch registration", req.Key)
			n.watches.TriggerBySessionAndKey(req.SessionID, boundKey, value, !keyExist)
		} else if tag == byte(binlog.OpLock) && n.isExpiredSession(string(value)) {
			n.watches.TriggerBySessionAndKey(req.SessionID, boundKey, nil, true)
		}
	}

	select {
	case notice := <-ch:
		return &WatchResponse{
			Success:  true,
			WatchKey: keyFromEvent(notice.WatchKey),
			Key:      keyFromEvent(notice.Key),
			Value:    notice.Value,
			Deleted:  notice.Deleted,
			Canceled: notice.Canceled,
		}
	case <-ctx.Done():
		return &WatchResponse{Canceled: true}
	}
}

// --------------------------------------------------------------------------
// Users
// --------------------------------------------------------------------------

// Login proposes a login; the issued uuid is generated here and carried
// in the entry so every replica records the same token.
func (n *Node) Login(ctx context.Context, req *LoginRequest) *LoginResponse {
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &LoginResponse{Status: RetError, LeaderID: leader}
	}
	if !n.users.IsValidUser(req.Username) {
		n.mu.Unlock()
		return &LoginResponse{Status: RetUnknownUser}
	}
	ch, idx := n.proposeLocked(binlog.Entry{
		Term:  n.currentTerm,
		Op:    binlog.OpLogin,
		Key:   req.Username,
		Value: []byte(req.Password),
		User:  auth.NewUUID(),
	})
	n.mu.Unlock()

	r := n.awaitAck(ctx, ch, idx)
	return &LoginResponse{Status: r.status, UUID: r.uuid}
}

// Logout proposes invalidating the login token.
func (n *Node) Logout(ctx context.Context, req *LogoutRequest) *LogoutResponse {
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &LogoutResponse{Status: RetError, LeaderID: leader}
	}
	if !n.uuidCheck(req.UUID) {
		n.mu.Unlock()
		return &LogoutResponse{Status: RetUnknownUser}
	}
	ch, idx := n.proposeLocked(binlog.Entry{
		Term: n.currentTerm,
		Op:   binlog.OpLogout,
		User: req.UUID,
	})
	n.mu.Unlock()

	r := n.awaitAck(ctx, ch, idx)
	return &LogoutResponse{Status: r.status}
}

// Register proposes creating a user. Only the password hash enters the
// log.
func (n *Node) Register(ctx context.Context, req *RegisterRequest) *RegisterResponse {
	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &RegisterResponse{Status: RetError, LeaderID: leader}
	}
	n.mu.Unlock()

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return &RegisterResponse{Status: RetError}
	}

	n.mu.Lock()
	if code, leader := n.leaderCheck(); code != RetOK {
		n.mu.Unlock()
		return &RegisterResponse{Status: RetError, LeaderID: leader}
	}
	ch, idx := n.proposeLocked(binlog.Entry{
		Term:  n.currentTerm,
		Op:    binlog.OpRegister,
		Key:   req.Username,
		Value: []byte(hash),
	})
	n.mu.Unlock()

	r := n.awaitAck(ctx, ch, idx)
	return &RegisterResponse{Status: r.status}
}

// --------------------------------------------------------------------------
// Log Compaction Entry Point
// --------------------------------------------------------------------------

// HandleCleanBinlog removes the log prefix up to (excluding) EndIndex.
// Refused when the prefix has not been applied here yet.
func (n *Node) HandleCleanBinlog(req *CleanBinlogRequest) *CleanBinlogResponse {
	n.mu.Lock()
	if n.lastApplied < req.EndIndex {
		log.Warningf("del log %d > %d is unsafe", req.EndIndex, n.lastApplied)
		n.mu.Unlock()
		return &CleanBinlogResponse{}
	}
	n.mu.Unlock()

	if err := n.log.RemovePrefix(req.EndIndex - 1); err != nil {
		log.Warningf("remove log prefix: %v", err)
		return &CleanBinlogResponse{}
	}
	log.Infof("deleted binlog before %d", req.EndIndex)
	return &CleanBinlogResponse{Success: true}
}
