package server

import (
	"context"
	"time"

	"github.com/accord-kv/accord/raft"
	"github.com/accord-kv/accord/rpc/common"
)

// --------------------------------------------------------------------------
// Node Adapter
// --------------------------------------------------------------------------

// nodeAdapter translates wire messages into node operations and back.
// One adapter serves both the client surface and the consensus peer
// traffic; the node itself guards every operation by role.
type nodeAdapter struct {
	node *raft.Node

	// proposalTimeout bounds how long a mutating call may wait for its
	// entry to commit and apply, and how long a Get may wait for its read
	// confirmation; watchTimeout bounds a watch long poll and an AddNode
	// catch-up.
	proposalTimeout time.Duration
	watchTimeout    time.Duration
}

func newNodeAdapter(node *raft.Node, proposalTimeout time.Duration) *nodeAdapter {
	return &nodeAdapter{
		node:            node,
		proposalTimeout: proposalTimeout,
		watchTimeout:    10 * time.Minute,
	}
}

// Handle processes one request message and returns the response message.
func (a *nodeAdapter) Handle(msg *common.Message) *common.Message {
	switch msg.MsgType {

	// ---- client surface ----

	case common.MsgTPut:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.Put(ctx, &raft.PutRequest{Key: msg.Key, Value: msg.Value, UUID: msg.UUID})
		return &common.Message{
			MsgType:     common.MsgTPut,
			Success:     resp.Success,
			LeaderID:    resp.LeaderID,
			UuidExpired: resp.UuidExpired,
		}

	case common.MsgTDel:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.Delete(ctx, &raft.DelRequest{Key: msg.Key, UUID: msg.UUID})
		return &common.Message{
			MsgType:     common.MsgTDel,
			Success:     resp.Success,
			LeaderID:    resp.LeaderID,
			UuidExpired: resp.UuidExpired,
		}

	case common.MsgTGet:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.Get(ctx, &raft.GetRequest{Key: msg.Key, UUID: msg.UUID})
		return &common.Message{
			MsgType:     common.MsgTGet,
			Success:     resp.Success,
			Hit:         resp.Hit,
			Value:       resp.Value,
			LeaderID:    resp.LeaderID,
			UuidExpired: resp.UuidExpired,
		}

	case common.MsgTScan:
		resp := a.node.Scan(&raft.ScanRequest{
			StartKey:  msg.StartKey,
			EndKey:    msg.EndKey,
			SizeLimit: msg.SizeLimit,
			UUID:      msg.UUID,
		})
		return &common.Message{
			MsgType:     common.MsgTScan,
			Success:     resp.Success,
			ScanItems:   resp.Items,
			HasMore:     resp.HasMore,
			LeaderID:    resp.LeaderID,
			UuidExpired: resp.UuidExpired,
		}

	case common.MsgTLock:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.Lock(ctx, &raft.LockRequest{
			Key:       msg.Key,
			SessionID: msg.SessionID,
			UUID:      msg.UUID,
		})
		return &common.Message{
			MsgType:     common.MsgTLock,
			Success:     resp.Success,
			LeaderID:    resp.LeaderID,
			UuidExpired: resp.UuidExpired,
		}

	case common.MsgTUnlock:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.Unlock(ctx, &raft.UnlockRequest{
			Key:       msg.Key,
			SessionID: msg.SessionID,
			UUID:      msg.UUID,
		})
		return &common.Message{
			MsgType:     common.MsgTUnlock,
			Success:     resp.Success,
			LeaderID:    resp.LeaderID,
			UuidExpired: resp.UuidExpired,
		}

	case common.MsgTKeepAlive:
		resp := a.node.KeepAlive(&raft.KeepAliveRequest{
			SessionID:         msg.SessionID,
			UUID:              msg.UUID,
			TimeoutMillis:     msg.TimeoutMillis,
			Locks:             msg.Locks,
			ForwardFromLeader: msg.ForwardFromLeader,
		})
		return &common.Message{
			MsgType:  common.MsgTKeepAlive,
			Success:  resp.Success,
			LeaderID: resp.LeaderID,
		}

	case common.MsgTWatch:
		ctx, cancel := context.WithTimeout(context.Background(), a.watchTimeout)
		defer cancel()
		resp := a.node.Watch(ctx, &raft.WatchRequest{
			Key:       msg.Key,
			OldValue:  msg.OldValue,
			KeyExist:  msg.KeyExist,
			SessionID: msg.SessionID,
			UUID:      msg.UUID,
		})
		return &common.Message{
			MsgType:     common.MsgTWatch,
			Success:     resp.Success,
			WatchKey:    resp.WatchKey,
			Key:         resp.Key,
			Value:       resp.Value,
			Deleted:     resp.Deleted,
			Canceled:    resp.Canceled,
			LeaderID:    resp.LeaderID,
			UuidExpired: resp.UuidExpired,
		}

	case common.MsgTLogin:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.Login(ctx, &raft.LoginRequest{Username: msg.Username, Password: msg.Password})
		return &common.Message{
			MsgType:  common.MsgTLogin,
			Status:   int(resp.Status),
			UUID:     resp.UUID,
			LeaderID: resp.LeaderID,
			Success:  resp.Status == raft.RetOK,
		}

	case common.MsgTLogout:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.Logout(ctx, &raft.LogoutRequest{UUID: msg.UUID})
		return &common.Message{
			MsgType:  common.MsgTLogout,
			Status:   int(resp.Status),
			LeaderID: resp.LeaderID,
			Success:  resp.Status == raft.RetOK,
		}

	case common.MsgTRegister:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.Register(ctx, &raft.RegisterRequest{Username: msg.Username, Password: msg.Password})
		return &common.Message{
			MsgType:  common.MsgTRegister,
			Status:   int(resp.Status),
			LeaderID: resp.LeaderID,
			Success:  resp.Status == raft.RetOK,
		}

	// ---- administration ----

	case common.MsgTShowStatus:
		resp := a.node.ShowStatus()
		return &common.Message{
			MsgType:      common.MsgTShowStatus,
			Role:         resp.Role.String(),
			Term:         resp.Term,
			LastLogIndex: resp.LastLogIndex,
			LastLogTerm:  resp.LastLogTerm,
			CommitIndex:  resp.CommitIndex,
			LastApplied:  resp.LastApplied,
			Success:      true,
		}

	case common.MsgTAddNode:
		ctx, cancel := context.WithTimeout(context.Background(), a.watchTimeout)
		defer cancel()
		resp := a.node.AddNode(ctx, &raft.AddNodeRequest{NodeAddr: msg.NodeAddr})
		return &common.Message{
			MsgType:  common.MsgTAddNode,
			Success:  resp.Success,
			LeaderID: resp.LeaderID,
		}

	case common.MsgTRemoveNode:
		ctx, cancel := context.WithTimeout(context.Background(), a.proposalTimeout)
		defer cancel()
		resp := a.node.RemoveNode(ctx, &raft.RemoveNodeRequest{NodeAddr: msg.NodeAddr})
		return &common.Message{
			MsgType:  common.MsgTRemoveNode,
			Success:  resp.Success,
			LeaderID: resp.LeaderID,
		}

	case common.MsgTCleanBinlog:
		resp := a.node.HandleCleanBinlog(&raft.CleanBinlogRequest{EndIndex: msg.EndIndex})
		return &common.Message{MsgType: common.MsgTCleanBinlog, Success: resp.Success}

	case common.MsgTRpcStat:
		resp := a.node.RpcStat(msg.Ops)
		return &common.Message{
			MsgType: common.MsgTRpcStat,
			Role:    resp.Role.String(),
			Stats:   resp.Stats,
			Success: true,
		}

	// ---- consensus peer traffic ----

	case common.MsgTVote:
		resp := a.node.HandleVote(&raft.VoteRequest{
			CandidateID:  msg.CandidateID,
			Term:         msg.Term,
			LastLogIndex: msg.LastLogIndex,
			LastLogTerm:  msg.LastLogTerm,
		})
		return &common.Message{
			MsgType:     common.MsgTVote,
			Term:        resp.Term,
			VoteGranted: resp.VoteGranted,
		}

	case common.MsgTAppendEntries:
		resp := a.node.HandleAppendEntries(&raft.AppendEntriesRequest{
			Term:              msg.Term,
			LeaderID:          msg.LeaderID,
			PrevLogIndex:      msg.PrevLogIndex,
			PrevLogTerm:       msg.PrevLogTerm,
			LeaderCommitIndex: msg.LeaderCommitIndex,
			Entries:           msg.Entries,
		})
		return &common.Message{
			MsgType:     common.MsgTAppendEntries,
			CurrentTerm: resp.CurrentTerm,
			Success:     resp.Success,
			LogLength:   resp.LogLength,
			IsBusy:      resp.IsBusy,
		}

	case common.MsgTInstallSnapshot:
		resp := a.node.HandleInstallSnapshot(&raft.InstallSnapshotRequest{
			Timestamp: msg.Timestamp,
			Items:     msg.Items,
			IsLast:    msg.IsLast,
		})
		return &common.Message{MsgType: common.MsgTInstallSnapshot, Success: resp.Success}

	default:
		return common.NewErrorResponse("unknown message type")
	}
}
