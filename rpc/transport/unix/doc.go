// Package unix provides the unix domain socket implementation of the
// RPC transport, useful for local clients and tests that should not
// touch the network stack.
package unix
