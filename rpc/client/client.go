package client

import (
	"fmt"
	"sync"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/accord-kv/accord/raft"
	"github.com/accord-kv/accord/rpc/common"
	"github.com/accord-kv/accord/rpc/serializer"
	"github.com/accord-kv/accord/rpc/transport"
)

var Logger = logger.GetLogger("rpc")

// --------------------------------------------------------------------------
// Cluster Client
// --------------------------------------------------------------------------

// Client is the typed client of an accord cluster. It talks to any node
// and follows leader redirects transparently: a response carrying a
// leader hint repoints subsequent requests at that node.
type Client struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer

	mu     sync.Mutex
	leader string // last known leader endpoint, "" when unknown
}

// NewClient connects to the cluster.
func NewClient(
	config common.ClientConfig,
	clientTransport transport.IRPCClientTransport,
	s serializer.IRPCSerializer,
) (*Client, error) {
	if err := clientTransport.Connect(config); err != nil {
		return nil, err
	}
	return &Client{
		config:     config,
		transport:  clientTransport,
		serializer: s,
	}, nil
}

// Close shuts down the client's connections.
func (c *Client) Close() error {
	return c.transport.Close()
}

// call sends the message, following leader redirects up to the
// configured retry count.
func (c *Client) call(msg *common.Message) (*common.Message, error) {
	retries := c.config.RetryCount
	if retries < 1 {
		retries = 3
	}
	var lastResp *common.Message
	for attempt := 0; attempt < retries; attempt++ {
		c.mu.Lock()
		endpoint := c.leader
		c.mu.Unlock()

		data, err := c.serializer.Serialize(*msg)
		if err != nil {
			return nil, err
		}
		respData, err := c.transport.Send(endpoint, data)
		if err != nil {
			// the node may be down, try any other one
			c.mu.Lock()
			c.leader = ""
			c.mu.Unlock()
			lastResp = nil
			continue
		}
		var resp common.Message
		if err := c.serializer.Deserialize(respData, &resp); err != nil {
			return nil, err
		}
		if resp.MsgType == common.MsgTError {
			return nil, fmt.Errorf("server error: %s", resp.Err)
		}
		if !resp.Success && resp.LeaderID != "" {
			// redirected, repoint at the leader
			Logger.Debugf("redirected to leader %s", resp.LeaderID)
			c.mu.Lock()
			c.leader = resp.LeaderID
			c.mu.Unlock()
			lastResp = &resp
			continue
		}
		return &resp, nil
	}
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("no node answered after %d attempts", retries)
}

// --------------------------------------------------------------------------
// Key-Value Operations
// --------------------------------------------------------------------------

// Put writes a key.
func (c *Client) Put(key string, value []byte, uuid string) error {
	resp, err := c.call(common.NewPutRequest(key, value, uuid))
	if err != nil {
		return err
	}
	if !resp.Success {
		return respError(resp)
	}
	return nil
}

// Delete removes a key.
func (c *Client) Delete(key, uuid string) error {
	resp, err := c.call(common.NewDelRequest(key, uuid))
	if err != nil {
		return err
	}
	if !resp.Success {
		return respError(resp)
	}
	return nil
}

// Get reads a key; the boolean reports whether it was found.
func (c *Client) Get(key, uuid string) ([]byte, bool, error) {
	resp, err := c.call(common.NewGetRequest(key, uuid))
	if err != nil {
		return nil, false, err
	}
	if !resp.Success {
		return nil, false, respError(resp)
	}
	return resp.Value, resp.Hit, nil
}

// Scan lists the keys in [startKey, endKey).
func (c *Client) Scan(startKey, endKey string, sizeLimit int, uuid string) ([]raft.ScanItem, bool, error) {
	resp, err := c.call(common.NewScanRequest(startKey, endKey, sizeLimit, uuid))
	if err != nil {
		return nil, false, err
	}
	if !resp.Success {
		return nil, false, respError(resp)
	}
	return resp.ScanItems, resp.HasMore, nil
}

// --------------------------------------------------------------------------
// Locks and Sessions
// --------------------------------------------------------------------------

// Lock takes the advisory lock on key for the session. The session must
// be kept alive with KeepAlive calls or the lock is released.
func (c *Client) Lock(key, sessionID, uuid string) (bool, error) {
	resp, err := c.call(common.NewLockRequest(key, sessionID, uuid))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Unlock releases the lock held by the session.
func (c *Client) Unlock(key, sessionID, uuid string) (bool, error) {
	resp, err := c.call(common.NewUnlockRequest(key, sessionID, uuid))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// KeepAlive refreshes the session lease; locks names the keys the
// session believes it holds.
func (c *Client) KeepAlive(sessionID, uuid string, timeoutMillis int64, locks []string) error {
	resp, err := c.call(common.NewKeepAliveRequest(sessionID, uuid, timeoutMillis, locks))
	if err != nil {
		return err
	}
	if !resp.Success {
		return respError(resp)
	}
	return nil
}

// Watch blocks until the watched key changes relative to the state the
// client last observed.
func (c *Client) Watch(key string, oldValue []byte, keyExist bool, sessionID, uuid string) (*common.Message, error) {
	return c.call(common.NewWatchRequest(key, oldValue, keyExist, sessionID, uuid))
}

// --------------------------------------------------------------------------
// Users
// --------------------------------------------------------------------------

// Register creates a user.
func (c *Client) Register(username, password string) error {
	resp, err := c.call(common.NewRegisterRequest(username, password))
	if err != nil {
		return err
	}
	if !resp.Success {
		return respError(resp)
	}
	return nil
}

// Login authenticates and returns the session uuid.
func (c *Client) Login(username, password string) (string, error) {
	resp, err := c.call(common.NewLoginRequest(username, password))
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", respError(resp)
	}
	return resp.UUID, nil
}

// Logout invalidates the uuid.
func (c *Client) Logout(uuid string) error {
	resp, err := c.call(common.NewLogoutRequest(uuid))
	if err != nil {
		return err
	}
	if !resp.Success {
		return respError(resp)
	}
	return nil
}

// --------------------------------------------------------------------------
// Administration
// --------------------------------------------------------------------------

// ShowStatus reports one node's consensus position.
func (c *Client) ShowStatus() (*common.Message, error) {
	return c.call(common.NewShowStatusRequest())
}

// AddNode admits a new server to the cluster.
func (c *Client) AddNode(nodeAddr string) (bool, error) {
	resp, err := c.call(common.NewAddNodeRequest(nodeAddr))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// RemoveNode retires a server from the cluster.
func (c *Client) RemoveNode(nodeAddr string) (bool, error) {
	resp, err := c.call(common.NewRemoveNodeRequest(nodeAddr))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// RpcStat reports the per-operation request rates of one node.
func (c *Client) RpcStat(ops []string) ([]raft.OpStat, string, error) {
	resp, err := c.call(common.NewRpcStatRequest(ops))
	if err != nil {
		return nil, "", err
	}
	return resp.Stats, resp.Role, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func respError(resp *common.Message) error {
	switch {
	case resp.UuidExpired:
		return fmt.Errorf("login expired, please login again")
	case resp.Status != 0:
		return fmt.Errorf("request failed: %s", raft.RetCode(resp.Status))
	case resp.LeaderID != "":
		return fmt.Errorf("not leader, try %s", resp.LeaderID)
	default:
		return fmt.Errorf("request failed")
	}
}
