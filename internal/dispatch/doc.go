// Package dispatch defines the outbound message collaborator that activity
// node instances are handed to, plus a few reusable implementations.
//
// A Dispatcher returns promptly with Sent, Acknowledged or Failed; it never
// waits for the remote side to finish the work. Remote completion arrives
// later through the engine's Deliver operation.
package dispatch
