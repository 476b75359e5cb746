package common

import (
	"encoding/json"
	"fmt"

	"github.com/accord-kv/accord/lib/binlog"
	"github.com/accord-kv/accord/raft"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and
// responses. Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key       string `json:"key,omitempty"`        // Used for: Put, Del, Get, Lock, Unlock, Watch
	Value     []byte `json:"value,omitempty"`      // Used for: Put (request), Get/Watch (response)
	UUID      string `json:"uuid,omitempty"`       // Login token; empty means anonymous
	SessionID string `json:"session_id,omitempty"` // Used for: Lock, Unlock, KeepAlive, Watch
	LeaderID  string `json:"leader_id,omitempty"`  // Redirect hint on responses

	// Consensus fields (peer traffic)
	Term              int64          `json:"term,omitempty"`
	CandidateID       string         `json:"candidate_id,omitempty"`
	LastLogIndex      int64          `json:"last_log_index,omitempty"`
	LastLogTerm       int64          `json:"last_log_term,omitempty"`
	PrevLogIndex      int64          `json:"prev_log_index,omitempty"`
	PrevLogTerm       int64          `json:"prev_log_term,omitempty"`
	LeaderCommitIndex int64          `json:"leader_commit_index,omitempty"`
	Entries           []binlog.Entry `json:"entries,omitempty"`
	CurrentTerm       int64          `json:"current_term,omitempty"`
	LogLength         int64          `json:"log_length,omitempty"`
	VoteGranted       bool           `json:"vote_granted,omitempty"`
	IsBusy            bool           `json:"is_busy,omitempty"`
	CommitIndex       int64          `json:"commit_index,omitempty"`
	LastApplied       int64          `json:"last_applied,omitempty"`
	Role              string         `json:"role,omitempty"`

	// Snapshot transfer
	Timestamp int64               `json:"timestamp,omitempty"`
	Items     []raft.SnapshotItem `json:"items,omitempty"`
	IsLast    bool                `json:"is_last,omitempty"`

	// Scan
	StartKey  string          `json:"start_key,omitempty"`
	EndKey    string          `json:"end_key,omitempty"`
	SizeLimit int             `json:"size_limit,omitempty"`
	ScanItems []raft.ScanItem `json:"scan_items,omitempty"`
	HasMore   bool            `json:"has_more,omitempty"`

	// Sessions and watches
	TimeoutMillis     int64    `json:"timeout_ms,omitempty"`
	Locks             []string `json:"locks,omitempty"`
	ForwardFromLeader bool     `json:"forward_from_leader,omitempty"`
	OldValue          []byte   `json:"old_value,omitempty"`
	KeyExist          bool     `json:"key_exist,omitempty"`
	WatchKey          string   `json:"watch_key,omitempty"`
	Deleted           bool     `json:"deleted,omitempty"`
	Canceled          bool     `json:"canceled,omitempty"`

	// Users
	Username string `json:"username,omitempty"`
	Password string `json:"passwd,omitempty"`

	// Administration
	NodeAddr string        `json:"node_addr,omitempty"`
	EndIndex int64         `json:"end_index,omitempty"`
	Ops      []string      `json:"ops,omitempty"`
	Stats    []raft.OpStat `json:"stats,omitempty"`

	// Response only fields
	Success     bool   `json:"success,omitempty"`
	Hit         bool   `json:"hit,omitempty"`
	Status      int    `json:"status,omitempty"` // raft.RetCode for Login/Logout/Register
	UuidExpired bool   `json:"uuid_expired,omitempty"`
	Err         string `json:"err,omitempty"` // Empty if no error
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewPutRequest creates a new Put request
func NewPutRequest(key string, value []byte, uuid string) *Message {
	return &Message{MsgType: MsgTPut, Key: key, Value: value, UUID: uuid}
}

// NewDelRequest creates a new Del request
func NewDelRequest(key, uuid string) *Message {
	return &Message{MsgType: MsgTDel, Key: key, UUID: uuid}
}

// NewGetRequest creates a new Get request
func NewGetRequest(key, uuid string) *Message {
	return &Message{MsgType: MsgTGet, Key: key, UUID: uuid}
}

// NewScanRequest creates a new Scan request
func NewScanRequest(startKey, endKey string, sizeLimit int, uuid string) *Message {
	return &Message{
		MsgType:   MsgTScan,
		StartKey:  startKey,
		EndKey:    endKey,
		SizeLimit: sizeLimit,
		UUID:      uuid,
	}
}

// NewLockRequest creates a new Lock request
func NewLockRequest(key, sessionID, uuid string) *Message {
	return &Message{MsgType: MsgTLock, Key: key, SessionID: sessionID, UUID: uuid}
}

// NewUnlockRequest creates a new Unlock request
func NewUnlockRequest(key, sessionID, uuid string) *Message {
	return &Message{MsgType: MsgTUnlock, Key: key, SessionID: sessionID, UUID: uuid}
}

// NewKeepAliveRequest creates a new KeepAlive request
func NewKeepAliveRequest(sessionID, uuid string, timeoutMillis int64, locks []string) *Message {
	return &Message{
		MsgType:       MsgTKeepAlive,
		SessionID:     sessionID,
		UUID:          uuid,
		TimeoutMillis: timeoutMillis,
		Locks:         locks,
	}
}

// NewWatchRequest creates a new Watch request
func NewWatchRequest(key string, oldValue []byte, keyExist bool, sessionID, uuid string) *Message {
	return &Message{
		MsgType:   MsgTWatch,
		Key:       key,
		OldValue:  oldValue,
		KeyExist:  keyExist,
		SessionID: sessionID,
		UUID:      uuid,
	}
}

// NewLoginRequest creates a new Login request
func NewLoginRequest(username, password string) *Message {
	return &Message{MsgType: MsgTLogin, Username: username, Password: password}
}

// NewLogoutRequest creates a new Logout request
func NewLogoutRequest(uuid string) *Message {
	return &Message{MsgType: MsgTLogout, UUID: uuid}
}

// NewRegisterRequest creates a new Register request
func NewRegisterRequest(username, password string) *Message {
	return &Message{MsgType: MsgTRegister, Username: username, Password: password}
}

// NewShowStatusRequest creates a new ShowStatus request
func NewShowStatusRequest() *Message {
	return &Message{MsgType: MsgTShowStatus}
}

// NewAddNodeRequest creates a new AddNode request
func NewAddNodeRequest(nodeAddr string) *Message {
	return &Message{MsgType: MsgTAddNode, NodeAddr: nodeAddr}
}

// NewRemoveNodeRequest creates a new RemoveNode request
func NewRemoveNodeRequest(nodeAddr string) *Message {
	return &Message{MsgType: MsgTRemoveNode, NodeAddr: nodeAddr}
}

// NewCleanBinlogRequest creates a new CleanBinlog request
func NewCleanBinlogRequest(endIndex int64) *Message {
	return &Message{MsgType: MsgTCleanBinlog, EndIndex: endIndex}
}

// NewRpcStatRequest creates a new RpcStat request
func NewRpcStatRequest(ops []string) *Message {
	return &Message{MsgType: MsgTRpcStat, Ops: ops}
}

// NewVoteRequest creates a new Vote request
func NewVoteRequest(req *raft.VoteRequest) *Message {
	return &Message{
		MsgType:      MsgTVote,
		CandidateID:  req.CandidateID,
		Term:         req.Term,
		LastLogIndex: req.LastLogIndex,
		LastLogTerm:  req.LastLogTerm,
	}
}

// NewAppendEntriesRequest creates a new AppendEntries request
func NewAppendEntriesRequest(req *raft.AppendEntriesRequest) *Message {
	return &Message{
		MsgType:           MsgTAppendEntries,
		Term:              req.Term,
		LeaderID:          req.LeaderID,
		PrevLogIndex:      req.PrevLogIndex,
		PrevLogTerm:       req.PrevLogTerm,
		LeaderCommitIndex: req.LeaderCommitIndex,
		Entries:           req.Entries,
	}
}

// NewInstallSnapshotRequest creates a new InstallSnapshot request
func NewInstallSnapshotRequest(req *raft.InstallSnapshotRequest) *Message {
	return &Message{
		MsgType:   MsgTInstallSnapshot,
		Timestamp: req.Timestamp,
		Items:     req.Items,
		IsLast:    req.IsLast,
	}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{MsgType: MsgTError, Err: err}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTSuccess:
		return "success"
	case MsgTError:
		return "error"
	case MsgTPut:
		return "put"
	case MsgTDel:
		return "del"
	case MsgTGet:
		return "get"
	case MsgTScan:
		return "scan"
	case MsgTLock:
		return "lock"
	case MsgTUnlock:
		return "unlock"
	case MsgTKeepAlive:
		return "keepAlive"
	case MsgTWatch:
		return "watch"
	case MsgTLogin:
		return "login"
	case MsgTLogout:
		return "logout"
	case MsgTRegister:
		return "register"
	case MsgTShowStatus:
		return "showStatus"
	case MsgTAddNode:
		return "addNode"
	case MsgTRemoveNode:
		return "removeNode"
	case MsgTCleanBinlog:
		return "cleanBinlog"
	case MsgTRpcStat:
		return "rpcStat"
	case MsgTVote:
		return "vote"
	case MsgTAppendEntries:
		return "appendEntries"
	case MsgTInstallSnapshot:
		return "installSnapshot"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for mt := MsgTUnknown; mt <= MsgTInstallSnapshot; mt++ {
		if mt.String() == s {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Client operations

	MsgTPut
	MsgTDel
	MsgTGet
	MsgTScan
	MsgTLock
	MsgTUnlock
	MsgTKeepAlive
	MsgTWatch
	MsgTLogin
	MsgTLogout
	MsgTRegister

	// Administration

	MsgTShowStatus
	MsgTAddNode
	MsgTRemoveNode
	MsgTCleanBinlog
	MsgTRpcStat

	// Consensus peer traffic

	MsgTVote
	MsgTAppendEntries
	MsgTInstallSnapshot
)
