package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

// fakeTx embeds pgx.Tx so only the methods InTx touches need implementing.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx    *fakeTx
	calls int
}

func (f *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	f.calls++
	return f.tx, nil
}

func TestInTx_Commits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	err := InTx(context.Background(), b, func(ctx context.Context) error {
		if _, ok := TxFromContext(ctx); !ok {
			t.Error("expected tx in context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.tx.committed || b.tx.rolledBack {
		t.Errorf("expected commit only, got committed=%v rolledBack=%v", b.tx.committed, b.tx.rolledBack)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")
	err := InTx(context.Background(), b, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.tx.committed || !b.tx.rolledBack {
		t.Errorf("expected rollback only, got committed=%v rolledBack=%v", b.tx.committed, b.tx.rolledBack)
	}
}

func TestInTx_JoinsExisting(t *testing.T) {
	outer := &fakeTx{}
	ctx := WithTx(context.Background(), outer)
	b := &fakeBeginner{tx: &fakeTx{}}

	err := InTx(ctx, b, func(ctx context.Context) error {
		tx, _ := TxFromContext(ctx)
		if tx != outer {
			t.Error("expected the outer tx to be reused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.calls != 0 {
		t.Errorf("expected no new tx, got %d Begin calls", b.calls)
	}
	if outer.committed {
		t.Error("inner InTx must not commit the outer tx")
	}
}

func TestQuerierFromContext_Fallback(t *testing.T) {
	if q := QuerierFromContext(context.Background(), nil); q != nil {
		t.Errorf("expected fallback, got %v", q)
	}
}
