package connection

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// State is the reconnect state of a Transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transitions lists the legal next states for each state.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateBackoff, StateFailed, StateDisconnected},
	StateConnected:    {StateBackoff, StateFailed, StateDisconnected},
	StateBackoff:      {StateConnecting, StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// reconnectPolicy tracks state, the consecutive failure count and the delay schedule.
// It is not safe for concurrent use; Transport guards it with its mutex.
type reconnectPolicy struct {
	state      State
	retries    int
	maxRetries int
	backoff    *backoff.ExponentialBackOff
}

func newReconnectPolicy(base, max time.Duration, maxRetries int, jitter float64) *reconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.Reset()

	return &reconnectPolicy{
		state:      StateDisconnected,
		maxRetries: maxRetries,
		backoff:    b,
	}
}

func (p *reconnectPolicy) transition(to State) error {
	if !canTransition(p.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.state, to)
	}
	p.state = to
	return nil
}

// connecting moves to Connecting. Leaving Failed or Disconnected starts a fresh retry budget.
func (p *reconnectPolicy) connecting() error {
	from := p.state
	if err := p.transition(StateConnecting); err != nil {
		return err
	}
	if from == StateFailed || from == StateDisconnected {
		p.retries = 0
		p.backoff.Reset()
	}
	return nil
}

// connected records a successful dial and resets the retry count.
func (p *reconnectPolicy) connected() error {
	if err := p.transition(StateConnected); err != nil {
		return err
	}
	p.retries = 0
	p.backoff.Reset()
	return nil
}

// failed records a dial failure or lost connection. It returns the delay before
// the next attempt, or exhausted=true once retries exceed maxRetries.
func (p *reconnectPolicy) failed() (delay time.Duration, exhausted bool, err error) {
	p.retries++
	if p.retries > p.maxRetries {
		if err := p.transition(StateFailed); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}
	if err := p.transition(StateBackoff); err != nil {
		return 0, false, err
	}
	return p.backoff.NextBackOff(), false, nil
}

// stop moves to Disconnected from any state.
func (p *reconnectPolicy) stop() {
	p.state = StateDisconnected
}
