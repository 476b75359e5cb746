// Package rpc and its subpackages implement the wire surface of the
// coordination service.
//
// The layering, bottom up:
//
//   - transport: framed request/response connections (tcp, unix), with
//     the medium-independent halves in transport/base
//   - serializer: pluggable message encodings (json, gob)
//   - common: the Message structure shared by requests and responses,
//     the server and client configuration, and the logger factory
//   - server: binds a consensus node to a transport; one endpoint
//     serves client traffic and consensus peer traffic alike
//   - client: the typed cluster client with leader-redirect handling,
//     and the peer transport the nodes use to reach each other
package rpc
