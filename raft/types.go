package raft

import (
	"fmt"

	"github.com/accord-kv/accord/lib/binlog"
)

// --------------------------------------------------------------------------
// Roles
// --------------------------------------------------------------------------

// Role is the consensus role of a node.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

// RetCode classifies the outcome of a client operation.
type RetCode int

const (
	RetOK                RetCode = iota
	RetNotLeader                 // redirect, LeaderID carries the hint
	RetLeaderUnknown             // the node is a candidate
	RetSafeMode                  // fresh leader, read-sensitive ops held back
	RetBusyCommitPending         // apply lags behind commit
	RetWritePendingFull          // too many unacknowledged proposals
	RetUuidExpired               // the login token is no longer valid
	RetUnknownUser               // no such user
	RetUserExists                // register on a taken username
	RetWrongPassword             // login credential mismatch
	RetLockUnavailable           // the lock is held by a live session
	RetLogGap                    // required log prefix compacted away
	RetError                     // internal failure
)

func (c RetCode) String() string {
	switch c {
	case RetOK:
		return "OK"
	case RetNotLeader:
		return "NotLeader"
	case RetLeaderUnknown:
		return "LeaderUnknown"
	case RetSafeMode:
		return "SafeMode"
	case RetBusyCommitPending:
		return "BusyCommitPending"
	case RetWritePendingFull:
		return "WritePendingFull"
	case RetUuidExpired:
		return "UuidExpired"
	case RetUnknownUser:
		return "UnknownUser"
	case RetUserExists:
		return "UserExists"
	case RetWrongPassword:
		return "WrongPassword"
	case RetLockUnavailable:
		return "LockUnavailable"
	case RetLogGap:
		return "LogGap"
	case RetError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error wraps a RetCode with a message.
type Error struct {
	Code RetCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("raft: %s: %s", e.Code, e.Msg)
}

// NewError creates an Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// --------------------------------------------------------------------------
// Peer RPC Messages
// --------------------------------------------------------------------------

// VoteRequest asks for this node's vote in an election.
type VoteRequest struct {
	CandidateID  string
	Term         int64
	LastLogIndex int64
	LastLogTerm  int64
}

type VoteResponse struct {
	Term        int64
	VoteGranted bool
}

// AppendEntriesRequest replicates a batch of entries (or, with no
// entries, serves as a heartbeat).
type AppendEntriesRequest struct {
	Term              int64
	LeaderID          string
	PrevLogIndex      int64
	PrevLogTerm       int64
	LeaderCommitIndex int64
	Entries           []binlog.Entry
}

type AppendEntriesResponse struct {
	CurrentTerm int64
	Success     bool
	LogLength   int64
	IsBusy      bool
}

// SnapshotItem is one key/value record of a snapshot transfer. The meta
// record travels under the store's reserved meta key, after all user
// records.
type SnapshotItem struct {
	Key string
	Val []byte
}

type InstallSnapshotRequest struct {
	Timestamp int64
	Items     []SnapshotItem
	IsLast    bool
}

type InstallSnapshotResponse struct {
	Success bool
}

// ShowStatusResponse reports the node's consensus position.
type ShowStatusResponse struct {
	Role         Role
	Term         int64
	LastLogIndex int64
	LastLogTerm  int64
	CommitIndex  int64
	LastApplied  int64
}

type CleanBinlogRequest struct {
	EndIndex int64
}

type CleanBinlogResponse struct {
	Success bool
}

// --------------------------------------------------------------------------
// Client RPC Messages
// --------------------------------------------------------------------------

type PutRequest struct {
	Key   string
	Value []byte
	UUID  string
}

type PutResponse struct {
	Success     bool
	LeaderID    string
	UuidExpired bool
}

type DelRequest struct {
	Key  string
	UUID string
}

type DelResponse struct {
	Success     bool
	LeaderID    string
	UuidExpired bool
}

type GetRequest struct {
	Key  string
	UUID string
}

type GetResponse struct {
	Success     bool
	Hit         bool
	Value       []byte
	LeaderID    string
	UuidExpired bool
}

type LockRequest struct {
	Key       string
	SessionID string
	UUID      string
}

type LockResponse struct {
	Success     bool
	LeaderID    string
	UuidExpired bool
}

type UnlockRequest struct {
	Key       string
	SessionID string
	UUID      string
}

type UnlockResponse struct {
	Success     bool
	LeaderID    string
	UuidExpired bool
}

type ScanItem struct {
	Key   string
	Value []byte
}

type ScanRequest struct {
	StartKey  string
	EndKey    string
	SizeLimit int
	UUID      string
}

type ScanResponse struct {
	Success     bool
	Items       []ScanItem
	HasMore     bool
	LeaderID    string
	UuidExpired bool
}

type KeepAliveRequest struct {
	SessionID         string
	UUID              string
	TimeoutMillis     int64 // 0 means the server default
	Locks             []string
	ForwardFromLeader bool
}

type KeepAliveResponse struct {
	Success  bool
	LeaderID string
}

type WatchRequest struct {
	Key       string
	OldValue  []byte
	KeyExist  bool
	SessionID string
	UUID      string
}

type WatchResponse struct {
	Success     bool
	WatchKey    string
	Key         string
	Value       []byte
	Deleted     bool
	Canceled    bool
	LeaderID    string
	UuidExpired bool
}

type LoginRequest struct {
	Username string
	Password string
}

type LoginResponse struct {
	Status   RetCode
	UUID     string
	LeaderID string
}

type LogoutRequest struct {
	UUID string
}

type LogoutResponse struct {
	Status   RetCode
	LeaderID string
}

type RegisterRequest struct {
	Username string
	Password string
}

type RegisterResponse struct {
	Status   RetCode
	LeaderID string
}

type AddNodeRequest struct {
	NodeAddr string
}

type AddNodeResponse struct {
	Success  bool
	LeaderID string
}

type RemoveNodeRequest struct {
	NodeAddr string
}

type RemoveNodeResponse struct {
	Success  bool
	LeaderID string
}

// OpStat is one row of an RpcStat report: the momentary and lifetime
// request rate of a single operation.
type OpStat struct {
	Op      string
	Current float64
	Average float64
}

type RpcStatResponse struct {
	Role  Role
	Stats []OpStat
}
