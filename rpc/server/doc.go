// Package server binds one consensus node to an RPC transport. Incoming
// frames are deserialized into messages and dispatched by the node
// adapter; the same endpoint serves client operations (put, get, lock,
// watch, ...) and consensus peer traffic (votes, entry batches,
// snapshot packets) from the other cluster nodes.
package server
