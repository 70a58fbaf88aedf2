// Package slot supplies the ledger slot counter that stands in for wall-clock time.
//
// Expiry in the router is a pure comparison against Clock.Slot; nothing here
// sleeps or schedules work.
package slot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBeforeGenesis is returned by a Ticker asked for a slot before its genesis time.
var ErrBeforeGenesis = errors.New("slot: before genesis")

// Clock returns the current ledger slot. Implementations must be monotonically
// non-decreasing across calls.
type Clock interface {
	Slot(ctx context.Context) (uint64, error)
}

// Ticker derives slots from wall-clock time: slot = (now - genesis) / duration.
// A wall clock stepping backwards never moves the slot backwards.
type Ticker struct {
	genesis  time.Time
	duration time.Duration
	now      func() time.Time

	high atomic.Uint64
}

// NewTicker constructs a Ticker. A non-positive duration defaults to 400ms.
func NewTicker(genesis time.Time, duration time.Duration) *Ticker {
	if duration <= 0 {
		duration = 400 * time.Millisecond
	}
	return &Ticker{genesis: genesis, duration: duration, now: time.Now}
}

// Slot implements Clock.
func (t *Ticker) Slot(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	elapsed := t.now().Sub(t.genesis)
	if elapsed < 0 {
		return 0, ErrBeforeGenesis
	}
	cur := uint64(elapsed / t.duration)

	for {
		prev := t.high.Load()
		if cur <= prev {
			return prev, nil
		}
		if t.high.CompareAndSwap(prev, cur) {
			return cur, nil
		}
	}
}

// Manual is a Clock driven explicitly by the caller (tests, replay tooling).
type Manual struct {
	mu   sync.Mutex
	slot uint64
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start uint64) *Manual {
	return &Manual{slot: start}
}

// Slot implements Clock.
func (m *Manual) Slot(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot, nil
}

// Set moves the clock to s. Moving backwards is ignored.
func (m *Manual) Set(s uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s > m.slot {
		m.slot = s
	}
}

// Advance moves the clock forward by n slots, saturating at the maximum slot.
func (m *Manual) Advance(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot+n < m.slot {
		m.slot = ^uint64(0)
		return
	}
	m.slot += n
}
