// Package ack keeps the short-lived "just received" signal for the latest ingested symbol.
package ack

import (
	"sync"
	"time"
)

const DefaultTTL = 800 * time.Millisecond

// Acknowledgement records the most recently ingested symbol until it expires.
type Acknowledgement struct {
	Symbol    string    `json:"symbol"`
	ArmedAt   time.Time `json:"armed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type stopper interface {
	Stop() bool
}

// Timer is a latest-wins debounce: each Arm replaces the pending entry and
// cancels the previous expiry.
type Timer struct {
	ttl      time.Duration
	onExpire func(Acknowledgement)

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu      sync.Mutex
	seq     uint64
	current *Acknowledgement
	pending stopper
}

// New returns a timer. onExpire may be nil and is never called with the lock held.
func New(ttl time.Duration, onExpire func(Acknowledgement)) *Timer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Timer{
		ttl:      ttl,
		onExpire: onExpire,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// TTL returns the configured lifetime of an acknowledgement.
func (t *Timer) TTL() time.Duration { return t.ttl }

// Arm records symbol as the current acknowledgement.
func (t *Timer) Arm(symbol string) Acknowledgement {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Stop()
	}
	t.seq++
	seq := t.seq
	now := t.now()
	ack := Acknowledgement{Symbol: symbol, ArmedAt: now, ExpiresAt: now.Add(t.ttl)}
	t.current = &ack
	t.pending = t.afterFunc(t.ttl, func() { t.expire(seq) })
	return ack
}

// Current returns the pending acknowledgement, if any.
func (t *Timer) Current() (Acknowledgement, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Acknowledgement{}, false
	}
	return *t.current, true
}

// Stop cancels any pending expiry and drops the current acknowledgement
// without notifying.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.seq++
	t.current = nil
}

func (t *Timer) expire(seq uint64) {
	t.mu.Lock()
	if seq != t.seq || t.current == nil {
		t.mu.Unlock()
		return
	}
	expired := *t.current
	t.current = nil
	t.pending = nil
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(expired)
	}
}
