package base

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/accord-kv/accord/rpc/common"
	"github.com/accord-kv/accord/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConnection represents a single net connection
type clientConnection struct {
	conn         net.Conn
	endpoint     string
	stopCh       chan struct{} // Close signal for the reader goroutine
	requestChans *xsync.MapOf[uint64, chan responseResult]
	connMu       sync.Mutex // Protects writes to the connection
	parent       *clientTransport
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64 // Atomic counter for round robin
	nextRequestID uint64 // Atomic counter for unique request IDs
	stopping      bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		nextRequestID: 1,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.config = config
	t.stopping = false
	t.closeConnections()

	connectionsPerEP := 1
	if config.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.ConnectionsPerEndpoint
	}

	t.connectionsMu.Lock()
	t.connections = make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)
	t.connectionsMu.Unlock()

	for _, endpoint := range config.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint:     endpoint,
				stopCh:       make(chan struct{}),
				requestChans: xsync.NewMapOf[uint64, chan responseResult](),
				parent:       t,
			}

			if err := clientConn.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v",
					endpoint, i+1, connectionsPerEP, err)
				continue
			}

			t.connectionsMu.Lock()
			t.connections = append(t.connections, clientConn)
			t.connectionsMu.Unlock()

			go clientConn.readResponses()
		}
	}

	t.connectionsMu.RLock()
	connected := len(t.connections)
	t.connectionsMu.RUnlock()
	if connected == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	Logger.Infof("Connected %d connections to %d endpoints using %s transport",
		connected, len(config.Endpoints), t.connector.GetName())
	return nil
}

func (t *clientTransport) Send(endpoint string, req []byte) ([]byte, error) {
	requestID := atomic.AddUint64(&t.nextRequestID, 1)

	send := func(connection *clientConnection) ([]byte, error) {
		if connection.conn == nil {
			return nil, fmt.Errorf("connection is closed")
		}

		respCh := make(chan responseResult, 1)
		connection.requestChans.Store(requestID, respCh)
		defer connection.requestChans.Delete(requestID)

		timeout := time.Duration(t.config.TimeoutSecond) * time.Second
		if timeout > 0 {
			connection.conn.SetWriteDeadline(time.Now().Add(timeout))
		}

		// Lock the connection only for writing
		connection.connMu.Lock()
		err := writeFrame(connection.conn, requestID, req)
		connection.connMu.Unlock()
		if err != nil {
			return nil, err
		}

		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timeoutCh = time.After(timeout)
		} else {
			timeoutCh = make(chan time.Time) // never triggers
		}

		select {
		case result := <-respCh:
			return result.data, result.err
		case <-timeoutCh:
			return nil, fmt.Errorf("request timed out")
		}
	}

	retries := t.config.RetryCount
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		connection, err := t.pickConnection(endpoint)
		if err != nil {
			return nil, err
		}
		resp, err := send(connection)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		Logger.Warningf("Request to %s failed (attempt %d/%d): %v",
			connection.endpoint, attempt+1, retries, err)
		if reconnErr := connection.reconnect(); reconnErr != nil {
			Logger.Warningf("Reconnect to %s failed: %v", connection.endpoint, reconnErr)
		}
		// small backoff before the retry
		time.Sleep(time.Duration(10*(attempt+1)) * time.Millisecond)
	}
	return nil, lastErr
}

func (t *clientTransport) Close() error {
	t.stopping = true
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// pickConnection returns a connection to the given endpoint, or any
// connection (round robin) when the endpoint is empty.
func (t *clientTransport) pickConnection(endpoint string) (*clientConnection, error) {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()
	if len(t.connections) == 0 {
		return nil, fmt.Errorf("not connected")
	}
	if endpoint == "" {
		idx := atomic.AddUint64(&t.nextConnIndex, 1)
		return t.connections[idx%uint64(len(t.connections))], nil
	}
	var candidates []*clientConnection
	for _, conn := range t.connections {
		if conn.endpoint == endpoint {
			candidates = append(candidates, conn)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no connection to endpoint %s", endpoint)
	}
	return candidates[rand.Intn(len(candidates))], nil
}

func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()
	for _, connection := range t.connections {
		close(connection.stopCh)
		if connection.conn != nil {
			connection.conn.Close()
		}
	}
	t.connections = nil
}

// reconnect (re)establishes the underlying connection.
func (c *clientConnection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		c.conn = nil
		return err
	}
	c.conn = conn
	return nil
}

// readResponses is the per-connection reader loop: it routes incoming
// frames to the request that is waiting for them.
func (c *clientConnection) readResponses() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn := c.conn
		if conn == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		requestID, data, err := readFrame(conn, nil)
		if err != nil {
			if c.parent.stopping {
				return
			}
			// fail all waiting requests of this connection
			c.requestChans.Range(func(id uint64, ch chan responseResult) bool {
				select {
				case ch <- responseResult{err: err}:
				default:
				}
				return true
			})
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if ch, ok := c.requestChans.Load(requestID); ok {
			dataCopy := make([]byte, len(data))
			copy(dataCopy, data)
			select {
			case ch <- responseResult{data: dataCopy}:
			default:
			}
		}
	}
}
