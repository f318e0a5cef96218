// Package nonce issues and records per-(claim, wallet) anchor nonces.
//
// Next is a preview, not a reservation: two callers may both be told n.
// Only one of them can later record it, because Record is a
// compare-and-set that accepts strictly increasing values.
package nonce

import (
	"context"

	"github.com/rotisserie/eris"
)

var ErrStaleNonce = eris.New("nonce: stale nonce")

// Counter is the atomic storage a Ledger needs.
type Counter interface {
	CurrentNonce(ctx context.Context, claimID, wallet string) (uint64, error)
	CompareAndSetNonce(ctx context.Context, claimID, wallet string, n uint64) (bool, error)
}

type Ledger struct {
	counter Counter
}

func NewLedger(c Counter) *Ledger {
	return &Ledger{counter: c}
}

func (l *Ledger) Current(ctx context.Context, claimID, wallet string) (uint64, error) {
	n, err := l.counter.CurrentNonce(ctx, claimID, wallet)
	return n, eris.Wrapf(err, "nonce: current %s/%s", claimID, wallet)
}

// Next returns the nonce a new anchor for (claimID, wallet) should use.
func (l *Ledger) Next(ctx context.Context, claimID, wallet string) (uint64, error) {
	n, err := l.Current(ctx, claimID, wallet)
	if err != nil {
		return 0, err
	}
	if n == ^uint64(0) {
		return 0, eris.Errorf("nonce: counter exhausted for %s/%s", claimID, wallet)
	}
	return n + 1, nil
}

// Record stores n iff it exceeds the current value.
func (l *Ledger) Record(ctx context.Context, claimID, wallet string, n uint64) error {
	return l.Commit(ctx, claimID, wallet, n, func(ctx context.Context) (bool, error) {
		return l.counter.CompareAndSetNonce(ctx, claimID, wallet, n)
	})
}

// Commit runs cas, a compare-and-set of n that may carry other writes in
// the same transaction, and reports a refused set as ErrStaleNonce. The
// receipt store records anchors this way through Store.CommitAnchor.
func (l *Ledger) Commit(ctx context.Context, claimID, wallet string, n uint64, cas func(context.Context) (bool, error)) error {
	ok, err := cas(ctx)
	if err != nil {
		return eris.Wrapf(err, "nonce: record %s/%s", claimID, wallet)
	}
	if !ok {
		return eris.Wrapf(ErrStaleNonce, "nonce %d for %s/%s", n, claimID, wallet)
	}
	return nil
}
