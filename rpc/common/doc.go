// Package common holds the types shared by both ends of the RPC wire:
// the Message structure used for every request and response, the
// message type enum with its factory functions, the server and client
// configuration structures and the logger factory.
package common
