// Package serializer provides message serialization for the RPC layer.
// It defines a common interface and multiple implementations for
// serializing and deserializing messages between cluster nodes and
// between clients and servers.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations
//     must satisfy.
//
//   - jsonSerializerImpl: Implementation using JSON encoding. Human
//     readable, useful for debugging and interoperability, the default.
//     Only the fields an operation uses appear on the wire (omitempty).
//
//   - gobSerializerImpl: Implementation using Go's built-in gob
//     encoding, offering good compatibility with Go's type system at the
//     cost of larger payloads. Encoding buffers are pre-sized from the
//     payload-carrying fields (replication batches, snapshot packets).
//
// Both implementations refuse frames without the msg_type discriminator
// in either direction; an untyped frame cannot be dispatched and always
// indicates a bug or a corrupted peer.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent
//	use across multiple goroutines without additional synchronization.
//
// Usage:
//
//	Serializers are typically created once and reused throughout the
//	application:
//
//	  s := serializer.NewJSONSerializer()
//	  data, err := s.Serialize(message)
//	  // ... send data ...
//	  var received common.Message
//	  err = s.Deserialize(data, &received)
package serializer
