package whitebit

import (
	"sync"
	"time"
)

// NonceSource issues strictly increasing nonces for one credential. Two
// requests racing for a nonce must never receive the same value; the venue
// rejects any request whose nonce does not exceed the last accepted one.
type NonceSource struct {
	mu         sync.Mutex
	lastIssued int64
	clock      func() time.Time
}

// NewNonceSource constructs a nonce source; a nil clock uses wall time.
func NewNonceSource(clock func() time.Time) *NonceSource {
	if clock == nil {
		clock = time.Now
	}
	return &NonceSource{clock: clock}
}

// Next returns the next nonce in milliseconds. When the clock has not
// advanced past the previous nonce, the counter is bumped by one instead,
// so values stay strictly increasing within a millisecond.
func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock().UnixMilli()
	if now <= n.lastIssued {
		n.lastIssued++
	} else {
		n.lastIssued = now
	}
	return n.lastIssued
}
