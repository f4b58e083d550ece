package feed

import (
	"errors"
	"fmt"
	"time"
)

// BackoffSchedule is the ordered list of reconnect delays. The Nth
// consecutive close waits schedule[N-1]; a close past the end of the
// schedule abandons reconnection.
type BackoffSchedule []time.Duration

// DefaultBackoffSchedule returns the production schedule:
// 1s, 5s, 15s, 1m, 2m.
func DefaultBackoffSchedule() BackoffSchedule {
	return BackoffSchedule{
		1 * time.Second,
		5 * time.Second,
		15 * time.Second,
		60 * time.Second,
		120 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
// ok is false once the schedule is exhausted.
func (s BackoffSchedule) Delay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 0 || attempt >= len(s) {
		return 0, false
	}
	return s[attempt], true
}

// ConnState is the connection sub-state of a StreamFetcher.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// transitions lists the legal moves of the connection state machine.
var transitions = map[ConnState][]ConnState{
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {StateReconnecting, StateFailed},
	StateReconnecting: {StateConnecting, StateFailed},
	StateFailed:       nil,
}

var (
	// ErrRetriesExhausted is returned by OnClose once every delay in the
	// backoff schedule has been used without a successful open.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrInvalidTransition reports an event that does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("invalid connection state transition")
)

// Connection tracks the lifecycle of one logical socket across reconnects.
// The attempt counter resets only on a successful open.
type Connection struct {
	schedule BackoffSchedule
	state    ConnState
	attempts int
}

// NewConnection returns a state machine in StateConnecting.
func NewConnection(schedule BackoffSchedule) *Connection {
	return &Connection{schedule: schedule, state: StateConnecting}
}

// State returns the current state.
func (c *Connection) State() ConnState {
	return c.state
}

// Attempts returns the number of reconnects since the last successful open.
func (c *Connection) Attempts() int {
	return c.attempts
}

func (c *Connection) transition(to ConnState) error {
	for _, allowed := range transitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
}

// OnOpen records a successful open and handshake.
func (c *Connection) OnOpen() error {
	if err := c.transition(StateConnected); err != nil {
		return err
	}
	c.attempts = 0
	return nil
}

// OnClose records a close or a failed open and returns how long to wait
// before reconnecting. When the schedule is exhausted the machine moves to
// StateFailed and ErrRetriesExhausted is returned.
func (c *Connection) OnClose() (time.Duration, error) {
	if err := c.transition(StateDisconnected); err != nil {
		return 0, err
	}
	delay, ok := c.schedule.Delay(c.attempts)
	if !ok {
		c.state = StateFailed
		return 0, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, c.attempts)
	}
	return delay, nil
}

// BeginRefresh records that the backoff delay elapsed and credentials are
// being refreshed.
func (c *Connection) BeginRefresh() error {
	return c.transition(StateReconnecting)
}

// OnRefreshed records fresh credentials; the caller should dial next.
func (c *Connection) OnRefreshed() error {
	if err := c.transition(StateConnecting); err != nil {
		return err
	}
	c.attempts++
	return nil
}

// OnRefreshFailed records a credential refresh failure. No further
// reconnects follow.
func (c *Connection) OnRefreshFailed() error {
	return c.transition(StateFailed)
}
