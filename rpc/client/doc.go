// Package client provides the two client roles of the wire protocol:
//
//   - Client, the typed cluster client used by the CLI and by
//     applications. It talks to any node and follows leader redirects.
//   - PeerTransport, the node-to-node transport behind the consensus
//     core's Transport interface, with separate connection pools for
//     latency-sensitive control traffic and bulk replication traffic.
package client
