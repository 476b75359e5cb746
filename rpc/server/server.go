package server

import (
	"fmt"
	"net/http"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/accord-kv/accord/raft"
	"github.com/accord-kv/accord/rpc/client"
	"github.com/accord-kv/accord/rpc/common"
	"github.com/accord-kv/accord/rpc/serializer"
	"github.com/accord-kv/accord/rpc/transport"

	_ "net/http/pprof"
)

var Logger = logger.GetLogger("rpc")

// --------------------------------------------------------------------------
// RPC Server
// --------------------------------------------------------------------------

// rpcServer ties one consensus node to a transport: it deserializes
// incoming frames, lets the adapter run them against the node and ships
// the response back. Peer traffic from other cluster nodes arrives over
// the same endpoint as client traffic.
type rpcServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	node       *raft.Node
	adapter    *nodeAdapter
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewJSONSerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	serverTransport transport.IRPCServerTransport,
	s serializer.IRPCSerializer,
) *rpcServer {
	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())
	return &rpcServer{
		config:     config,
		transport:  serverTransport,
		serializer: s,
	}
}

func (s *rpcServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(req []byte) []byte {
		var msg common.Message
		var respMsg *common.Message

		if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = common.NewErrorResponse(
				fmt.Sprintf("failed to deserialize request: %s", err))
		} else {
			vm.GetOrCreateCounter(
				fmt.Sprintf(`accord_rpc_requests_total{op=%q}`, msg.MsgType)).Inc()
			respMsg = s.adapter.Handle(&msg)
		}

		val, err := s.serializer.Serialize(*respMsg)
		if err != nil {
			val, _ = s.serializer.Serialize(*common.NewErrorResponse(
				fmt.Sprintf("failed to serialize response: %s", err)))
		}
		return val
	})
}

func (s *rpcServer) init() error {
	common.InitLoggers(s.config)

	// peer traffic uses the same serializer and wire protocol
	peerTransport := client.NewPeerTransport(s.serializer)

	node, err := raft.NewNode(s.config.ToRaftConfig(), peerTransport)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	s.node = node
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.adapter = newNodeAdapter(node, timeout)
	node.Start()

	// debug and metrics endpoint
	if s.config.MetricsAddr != "" {
		go func() {
			http.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
				vm.WritePrometheus(w, true)
			})
			Logger.Infof("Starting metrics server on %s", s.config.MetricsAddr)
			Logger.Infof("%v", http.ListenAndServe(s.config.MetricsAddr, nil))
		}()
	}

	s.registerTransportHandler()
	Logger.Infof("accord node setup completed successfully")
	return nil
}

// Serve starts the RPC server
// This function initializes the node and starts the transport layer
func (s *rpcServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}
