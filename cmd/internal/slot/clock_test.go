package slot

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTicker_SlotFromElapsed(t *testing.T) {
	t.Parallel()

	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := NewTicker(genesis, 400*time.Millisecond)

	now := genesis.Add(10 * time.Second)
	tk.now = func() time.Time { return now }

	got, err := tk.Slot(context.Background())
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	if got != 25 {
		t.Fatalf("Slot()=%d want=25", got)
	}

	// Wall clock steps back: slot must not regress.
	now = genesis.Add(2 * time.Second)
	got, err = tk.Slot(context.Background())
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	if got != 25 {
		t.Fatalf("Slot() regressed to %d", got)
	}
}

func TestTicker_BeforeGenesis(t *testing.T) {
	t.Parallel()

	genesis := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := NewTicker(genesis, time.Second)
	tk.now = func() time.Time { return genesis.Add(-time.Minute) }

	if _, err := tk.Slot(context.Background()); !errors.Is(err, ErrBeforeGenesis) {
		t.Fatalf("expected ErrBeforeGenesis, got %v", err)
	}
}

func TestManual_SetAdvance(t *testing.T) {
	t.Parallel()

	m := NewManual(5)
	m.Advance(100)
	m.Set(50) // backwards, ignored
	got, _ := m.Slot(context.Background())
	if got != 105 {
		t.Fatalf("Slot()=%d want=105", got)
	}

	m.Advance(^uint64(0))
	got, _ = m.Slot(context.Background())
	if got != ^uint64(0) {
		t.Fatalf("Advance did not saturate: %d", got)
	}
}

func TestManual_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewManual(0).Slot(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
