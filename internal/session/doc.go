// Package session implements the terminal bridge: one Session pairs one
// socket connection with one PTY-backed shell for the lifetime of the
// connection.
//
// A Session relays shell output to the socket through a single writer
// goroutine, relays socket messages to the shell from the reading goroutine,
// diverts "resize:<cols>,<rows>" control messages to the PTY resize call,
// probes the peer with pings on a fixed interval, and tears everything down
// exactly once when the connection closes, the peer stops answering pings,
// the shell exits or the server shuts down.
//
// Sessions share no state with each other.
package session
