// Package session tracks client leases on a single replica.
//
// Sessions are not replicated: after a failover the new leader starts
// with an empty table and rebuilds it from the KeepAlives the clients
// keep sending. This is why a fresh leader holds back lock and scan
// traffic until one full session lifetime has passed, at that point
// every lease it has not heard of is knowably dead.
package session
