// Package cmd implements the command-line interface of the accord
// coordination service. It provides a hierarchical command structure
// with operations for running a cluster node and interacting with the
// cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a cluster node
//   - kv: Commands for key-value operations (put, get, del, scan)
//   - lock: Commands for advisory lock operations (acquire, release)
//   - user: Commands for user management (register, login, logout)
//   - cluster: Commands for cluster administration (status, add-node,
//     remove-node, stat)
//   - util: Shared utilities for command-line processing (internal use)
//
// See accord -help for a list of all commands.
package cmd
