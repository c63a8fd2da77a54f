package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type result[F any] struct {
	frame F
	err   error
}

// Pending is the single-resolution handle returned by Correlator.Send.
type Pending[F any] struct {
	c      *Correlator[F]
	done   chan result[F]
	accept func(F) bool
}

// Await blocks until the response frame arrives, the link drops, or ctx is
// done. A ctx expiry releases the in-flight slot so the next command can go.
func (p *Pending[F]) Await(ctx context.Context) (F, error) {
	select {
	case r := <-p.done:
		return r.frame, r.err
	case <-ctx.Done():
		p.c.abandon(p)
		var zero F
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrResponseTimeout
		}
		return zero, ctx.Err()
	}
}

// Correlator enforces at most one outstanding request per connection and
// resolves it with the next validated frame. It is safe for concurrent use:
// Resolve and Fail are called from the transport's delivery goroutine while
// Send and Await run on the caller's.
type Correlator[F any] struct {
	mu        sync.Mutex
	transport Transport
	connected bool
	pending   *Pending[F]
}

// NewCorrelator creates a correlator writing to t. It starts disconnected.
func NewCorrelator[F any](t Transport) *Correlator[F] {
	return &Correlator[F]{transport: t}
}

// SetConnected marks the link up or down. Going down fails the pending request.
func (c *Correlator[F]) SetConnected(up bool) {
	if !up {
		c.Fail(ErrDisconnected)
		return
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

// Connected reports whether the link is marked up.
func (c *Correlator[F]) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// InFlight reports whether a request is awaiting its response.
func (c *Correlator[F]) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Send registers a pending request and writes cmd. The write is
// fire-and-forget; the returned handle resolves with the next frame.
func (c *Correlator[F]) Send(cmd []byte) (*Pending[F], error) {
	return c.SendMatching(cmd, nil)
}

// SendMatching is Send with a filter: frames for which accept returns false
// are dropped and the request keeps waiting. A late reply to a request that
// already timed out therefore cannot resolve the next one. A nil accept
// takes any frame.
func (c *Correlator[F]) SendMatching(cmd []byte, accept func(F) bool) (*Pending[F], error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrProtocolMisuse
	}
	p := &Pending[F]{c: c, done: make(chan result[F], 1), accept: accept}
	c.pending = p
	c.mu.Unlock()

	// The slot is reserved before the write so a fast response cannot race it.
	if err := c.transport.Write(cmd); err != nil {
		c.abandon(p)
		if errors.Is(err, ErrCharacteristicMissing) || errors.Is(err, ErrNotConnected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return p, nil
}

// Resolve hands a validated frame to the pending request. It returns false
// when nothing was waiting, or the pending request rejected the frame, and
// the frame was dropped.
func (c *Correlator[F]) Resolve(frame F) bool {
	c.mu.Lock()
	p := c.pending
	if p == nil || (p.accept != nil && !p.accept(frame)) {
		c.mu.Unlock()
		return false
	}
	c.pending = nil
	c.mu.Unlock()
	p.done <- result[F]{frame: frame}
	return true
}

// Fail marks the link down and force-fails any pending request with err.
func (c *Correlator[F]) Fail(err error) {
	c.mu.Lock()
	c.connected = false
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	if p != nil {
		p.done <- result[F]{err: err}
	}
}

func (c *Correlator[F]) abandon(p *Pending[F]) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}
