package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/smsbridge/relay-server-go/internal/errors"
)

type pendingState int

const (
	statePending pendingState = iota
	stateResolved
	stateTimedOut
)

// pendingPairing carries the tagged state of one outstanding wait. The
// state tag, not the map entry alone, enforces single resolution.
type pendingPairing struct {
	state  pendingState
	result chan string
	timer  *time.Timer
}

// Coordinator matches a scanned pairing token against the web client's
// outstanding long-poll wait. Per token the state machine is
// pending -> resolved or pending -> timed out, both terminal.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingPairing
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		pending: make(map[string]*pendingPairing),
	}
}

// Await blocks until the token is resolved by a scan, the timeout fires, or
// ctx is cancelled (the long-poll client went away). A second Await for the
// same token supersedes the first waiter, which fails with timeout.
func (c *Coordinator) Await(ctx context.Context, token string, timeout time.Duration) (string, error) {
	p := &pendingPairing{
		state:  statePending,
		result: make(chan string, 1),
	}

	c.mu.Lock()
	if old, ok := c.pending[token]; ok && old.state == statePending {
		old.state = stateTimedOut
		old.timer.Stop()
		close(old.result)
	}
	p.timer = time.AfterFunc(timeout, func() { c.expire(token, p) })
	c.pending[token] = p
	c.mu.Unlock()

	select {
	case sessionToken, ok := <-p.result:
		if !ok {
			return "", apperrors.PairingTimeout()
		}
		return sessionToken, nil

	case <-ctx.Done():
		c.drop(token, p)
		return "", ctx.Err()
	}
}

// Resolve completes a pending wait with the freshly minted session token.
// When no one is waiting (already resolved, timed out, or never issued)
// this is a silent no-op; the scanning device learns about pairing failure
// through its own error event, not through us.
func (c *Coordinator) Resolve(token, sessionToken string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[token]
	if !ok || p.state != statePending {
		return false
	}

	p.state = stateResolved
	p.timer.Stop()
	delete(c.pending, token)
	p.result <- sessionToken

	log.Info().Str("token", token).Msg("pairing resolved")
	return true
}

// expire is the timer branch. The pointer comparison keeps a timer that
// lost the race against Resolve, or against a superseding Await, from
// touching the newer entry.
func (c *Coordinator) expire(token string, p *pendingPairing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.pending[token]
	if !ok || current != p || p.state != statePending {
		return
	}

	p.state = stateTimedOut
	delete(c.pending, token)
	close(p.result)

	log.Debug().Str("token", token).Msg("pairing wait timed out")
}

// drop tears down an abandoned wait without failing it; the waiter already
// returned via ctx.
func (c *Coordinator) drop(token string, p *pendingPairing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.pending[token]
	if !ok || current != p || p.state != statePending {
		return
	}

	p.state = stateTimedOut
	p.timer.Stop()
	delete(c.pending, token)
}

// PendingCount reports outstanding waits.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
