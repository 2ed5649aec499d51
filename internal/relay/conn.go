package relay

// ConnID is an opaque handle for a live connection in the registry arena.
type ConnID string

// Conn is the duplex transport contract the relay core depends on. The
// websocket layer implements it; tests substitute fakes.
type Conn interface {
	// Send emits a named event to the peer. Payload may be nil.
	Send(event string, payload any) error
	Close() error
}
