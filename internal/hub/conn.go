package hub

import "sync/atomic"

// State tracks the per-connection lifecycle. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateSyncing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Socket is the transport a connection writes to. Implementations must be
// safe for use from the account actor goroutine.
type Socket interface {
	WriteJSON(v any) error
	Close() error
}

// Conn is one live device connection. All fields except state are immutable
// after Attach; state transitions happen on the account actor goroutine and
// are readable from outside via State().
type Conn struct {
	AccountID string
	DeviceID  string

	sock  Socket
	state atomic.Int32
}

func newConn(accountID, deviceID string, sock Socket) *Conn {
	c := &Conn{AccountID: accountID, DeviceID: deviceID, sock: sock}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Conn) send(v any) error {
	return c.sock.WriteJSON(v)
}

func (c *Conn) close() {
	c.setState(StateClosed)
	_ = c.sock.Close()
}
