// Package transport defines the wire contract of the RPC layer: a
// server transport accepting framed requests and a client transport
// issuing them. Frames are opaque here; serialization happens one layer
// up.
package transport
