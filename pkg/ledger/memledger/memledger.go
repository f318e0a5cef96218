// Package memledger is an in-process ledger.Client. Tests use it directly
// and the server runs on it with ledger.driver=memory. It keeps transactions
// and program-owned accounts in memory and confirms on demand.
package memledger

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"strconv"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/rotisserie/eris"

	"github.com/autotrust/autotrust/pkg/ledger"
)

type ConfirmMode int

const (
	ConfirmOK ConfirmMode = iota
	// ConfirmFail reports every transaction as failed.
	ConfirmFail
	// ConfirmNever blocks until the caller's context ends.
	ConfirmNever
)

type tx struct {
	ix      ledger.Instruction
	signers []string
	slot    uint64
}

type account struct {
	data  []byte
	owner string
}

type Ledger struct {
	mu          sync.Mutex
	txs         map[string]*tx
	accounts    map[string]*account
	accountProg map[string]bool
	slot        uint64
	mode        ConfirmMode
	unavailable bool
	reads       int
}

var _ ledger.Client = (*Ledger)(nil)

// New returns an empty ledger. Instructions sent to any of accountPrograms
// store their data in their first account, owned by that program.
func New(accountPrograms ...string) *Ledger {
	l := &Ledger{
		txs:         map[string]*tx{},
		accounts:    map[string]*account{},
		accountProg: map[string]bool{},
	}
	for _, p := range accountPrograms {
		l.accountProg[p] = true
	}
	return l
}

func (l *Ledger) SetConfirmMode(m ConfirmMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = m
}

// SetUnavailable makes every call fail with ledger.ErrUnavailable.
func (l *Ledger) SetUnavailable(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = v
}

// Reads returns how many Read calls reached the ledger.
func (l *Ledger) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

func (l *Ledger) Submit(ctx context.Context, ix ledger.Instruction, signer ledger.Signer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return "", eris.Wrap(ledger.ErrUnavailable, "memledger: submit")
	}
	payer := signer.PublicKey()
	for _, a := range ix.Accounts {
		if a.Signer && a.Address != payer {
			return "", eris.Errorf("memledger: account %s must sign", a.Address)
		}
	}
	l.slot++
	digest := sha256.Sum256(append(append([]byte(ix.ProgramID+payer), ix.Data...), []byte(strconv.FormatUint(l.slot, 10))...))
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return "", eris.Wrap(err, "memledger: sign")
	}
	id := base58.Encode(sig)
	if l.accountProg[ix.ProgramID] {
		if len(ix.Accounts) == 0 {
			return "", eris.New("memledger: account instruction without target account")
		}
		addr := ix.Accounts[0].Address
		if _, exists := l.accounts[addr]; exists {
			return "", eris.Wrapf(ledger.ErrTxFailed, "memledger: account %s already in use", addr)
		}
		l.accounts[addr] = &account{data: append([]byte(nil), ix.Data...), owner: ix.ProgramID}
	}
	l.txs[id] = &tx{ix: ix, signers: []string{payer}, slot: l.slot}
	return id, nil
}

func (l *Ledger) Confirm(ctx context.Context, signature string) error {
	l.mu.Lock()
	mode, unavailable := l.mode, l.unavailable
	_, ok := l.txs[signature]
	l.mu.Unlock()
	if unavailable {
		return eris.Wrap(ledger.ErrUnavailable, "memledger: confirm")
	}
	switch {
	case mode == ConfirmNever:
		<-ctx.Done()
		return eris.Wrapf(ctx.Err(), "memledger: confirm %s", signature)
	case !ok:
		return eris.Wrapf(ledger.ErrNotFound, "memledger: %s", signature)
	case mode == ConfirmFail:
		return eris.Wrapf(ledger.ErrTxFailed, "memledger: %s", signature)
	}
	return nil
}

func (l *Ledger) Read(ctx context.Context, ref ledger.Reference) (ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.unavailable {
		return ledger.Record{}, eris.Wrap(ledger.ErrUnavailable, "memledger: read")
	}
	switch ref.Kind {
	case ledger.RefTransaction:
		t, ok := l.txs[ref.Value]
		if !ok || l.mode == ConfirmFail {
			return ledger.Record{}, eris.Wrapf(ledger.ErrNotFound, "transaction %s", ref.Value)
		}
		rec := ledger.Record{Signers: append([]string(nil), t.signers...), Slot: t.slot}
		if t.ix.ProgramID == ref.Program {
			rec.Payloads = [][]byte{append([]byte(nil), t.ix.Data...)}
		}
		return rec, nil
	case ledger.RefAccount:
		a, ok := l.accounts[ref.Value]
		if !ok {
			return ledger.Record{}, eris.Wrapf(ledger.ErrNotFound, "account %s", ref.Value)
		}
		return ledger.Record{Payloads: [][]byte{append([]byte(nil), a.data...)}, Owner: a.owner, Slot: l.slot}, nil
	}
	return ledger.Record{}, eris.Errorf("memledger: unknown reference kind %q", ref.Kind)
}

// Tamper replaces the stored instruction data of a transaction, or the data
// of an account, to simulate a forged or corrupted anchor.
func (l *Ledger) Tamper(ref ledger.Reference, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.txs[ref.Value]; ok {
		t.ix.Data = append([]byte(nil), data...)
	}
	if a, ok := l.accounts[ref.Value]; ok {
		a.data = append([]byte(nil), data...)
	}
}

// PutAccount writes an account directly, bypassing any program.
func (l *Ledger) PutAccount(addr, owner string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = &account{data: append([]byte(nil), data...), owner: owner}
}

// Signer is a deterministic ed25519 wallet for tests.
type Signer struct {
	priv ed25519.PrivateKey
}

func NewSigner(seed byte) *Signer {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(s)}
}

func (s *Signer) PublicKey() string {
	return base58.Encode(s.priv.Public().(ed25519.PublicKey))
}

func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}
