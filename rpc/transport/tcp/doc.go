// Package tcp provides the TCP implementation of the RPC transport,
// used for all traffic between cluster nodes and from remote clients.
package tcp
