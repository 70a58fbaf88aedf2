package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"northstar/cmd/account"
)

func TestInMemoryStore_UpdateRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := NewInMemoryStore()
	owner := account.ID{1}
	boom := errors.New("boom")

	err := st.Update(ctx, owner, func(tx Tx) error {
		if err := tx.Credit(ctx, owner, 100); err != nil {
			return err
		}
		if err := tx.CreateFeeVault(ctx, FeeVault{Authority: owner, Balance: 5}); err != nil {
			return err
		}
		if _, err := tx.Emit(ctx, EventRecord{Owner: owner, Kind: EventSessionOpened, Event: SessionOpened{Owner: owner}}); err != nil {
			return err
		}
		// Staged writes are visible inside the unit.
		if v, err := tx.FeeVault(ctx, owner); err != nil || v.Balance != 5 {
			t.Fatalf("staged vault=%+v err=%v", v, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("update err=%v want=%v", err, boom)
	}

	err = st.View(ctx, func(r Reader) error {
		if _, err := r.FeeVault(ctx, owner); !errors.Is(err, ErrAccountNotFound) {
			t.Fatalf("vault after rollback: err=%v", err)
		}
		if n, _ := r.Lamports(ctx, owner); n != 0 {
			t.Fatalf("lamports after rollback=%d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	page, _ := st.Events(ctx, owner, 0, 10)
	if len(page.Events) != 0 {
		t.Fatalf("events after rollback=%d", len(page.Events))
	}
}

func TestInMemoryStore_CreateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := NewInMemoryStore()
	owner := account.ID{2}
	sess := Session{Owner: owner, GridID: 1, AllowedPrograms: []account.ID{{3}}, TTLSlots: 1, FeeCap: 1}

	if err := st.Update(ctx, owner, func(tx Tx) error { return tx.CreateSession(ctx, sess) }); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := st.Update(ctx, owner, func(tx Tx) error { return tx.CreateSession(ctx, sess) })
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("create twice: err=%v want=%v", err, ErrAccountExists)
	}

	// Mutating the caller's copy must not reach the store.
	sess.AllowedPrograms[0] = account.ID{4}
	_ = st.View(ctx, func(r Reader) error {
		got, err := r.Session(ctx, sess.Key())
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.AllowedPrograms[0] != (account.ID{3}) {
			t.Fatalf("stored session aliased caller slice")
		}
		return nil
	})

	err = st.Update(ctx, owner, func(tx Tx) error {
		if err := tx.DeleteSession(ctx, sess.Key()); err != nil {
			return err
		}
		if _, err := tx.Session(ctx, sess.Key()); !errors.Is(err, ErrAccountNotFound) {
			t.Fatalf("deleted session still visible: %v", err)
		}
		return tx.CreateSession(ctx, sess)
	})
	if err != nil {
		t.Fatalf("delete and recreate: %v", err)
	}
}

func TestInMemoryStore_Transfer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := NewInMemoryStore()
	a, b := account.ID{5}, account.ID{6}

	err := st.Update(ctx, a, func(tx Tx) error {
		if err := tx.Credit(ctx, a, 10); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, a, b, 11); !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("overdraw: err=%v want=%v", err, ErrInsufficientFunds)
		}
		return tx.Transfer(ctx, a, b, 4)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	_ = st.View(ctx, func(r Reader) error {
		ga, _ := r.Lamports(ctx, a)
		gb, _ := r.Lamports(ctx, b)
		if ga != 6 || gb != 4 {
			t.Fatalf("a=%d b=%d want a=6 b=4", ga, gb)
		}
		return nil
	})
}

func TestInMemoryStore_SerializesPerOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := NewInMemoryStore()
	owner := account.ID{7}

	const workers = 16
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Update(ctx, owner, func(tx Tx) error {
				if err := tx.Credit(ctx, owner, 1); err != nil {
					return err
				}
				_, err := tx.Emit(ctx, EventRecord{Owner: owner, Kind: EventSessionClosed, Event: SessionClosed{Owner: owner}})
				return err
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	_ = st.View(ctx, func(r Reader) error {
		if n, _ := r.Lamports(ctx, owner); n != workers {
			t.Fatalf("lamports=%d want=%d", n, workers)
		}
		return nil
	})
	page, _ := st.Events(ctx, owner, 0, 100)
	if len(page.Events) != workers {
		t.Fatalf("events=%d want=%d", len(page.Events), workers)
	}
	for i := 1; i < len(page.Events); i++ {
		if page.Events[i].Seq <= page.Events[i-1].Seq {
			t.Fatalf("seq not increasing at %d: %d <= %d", i, page.Events[i].Seq, page.Events[i-1].Seq)
		}
	}
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := NewInMemoryStore()
	err := st.Update(ctx, account.ID{8}, func(Tx) error {
		t.Fatalf("fn must not run on a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want=%v", err, context.Canceled)
	}
}
