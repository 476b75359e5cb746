// Package base implements the transport-medium independent halves of
// the RPC client and server: frame encoding, per-connection worker
// pools on the server side, and connection pooling with request-id
// based response routing on the client side. The tcp and unix packages
// plug their dialers and listeners into it.
package base
