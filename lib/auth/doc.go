// Package auth manages registered users and login tokens.
//
// Registration, login and logout are replicated operations: the RPC
// layer proposes them as log entries and the apply loop feeds the
// committed arguments into this package, so every replica arrives at
// the same user table. Only password hashes ever enter the log.
package auth
