// Package ledger defines the narrow external-ledger surface the claims
// service depends on: submit a signed instruction, wait for confirmation and
// read back what was written.
package ledger

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound means the ledger has no transaction or account at the reference.
	ErrNotFound = eris.New("ledger: not found")
	// ErrUnavailable wraps transport failures; callers may retry.
	ErrUnavailable = eris.New("ledger: unavailable")
	// ErrTxFailed means the transaction landed but its execution failed.
	ErrTxFailed = eris.New("ledger: transaction failed")
)

type RefKind string

const (
	RefTransaction RefKind = "tx"
	RefAccount     RefKind = "account"
)

// Reference locates anchored data: a transaction signature, or an account
// address. Program scopes which instructions or owner are of interest.
type Reference struct {
	Kind    RefKind `json:"kind"`
	Value   string  `json:"value"`
	Program string  `json:"program"`
}

func (r Reference) Empty() bool { return r.Value == "" }

type AccountMeta struct {
	Address  string
	Signer   bool
	Writable bool
}

// Instruction is one program invocation; Accounts excludes the fee payer
// unless the program needs it explicitly.
type Instruction struct {
	ProgramID string
	Accounts  []AccountMeta
	Data      []byte
}

// Record is what a Read returns. For transaction references Payloads holds
// the data of every instruction addressed to Reference.Program and Signers
// the keys whose signatures verified. For account references Payloads holds
// the account data and Owner its owning program.
type Record struct {
	Payloads [][]byte
	Signers  []string
	Owner    string
	Slot     uint64
}

func (r Record) SignedBy(wallet string) bool {
	return slices.Contains(r.Signers, wallet)
}

// Signer holds the private half of a wallet.
type Signer interface {
	PublicKey() string
	Sign(message []byte) ([]byte, error)
}

type Client interface {
	// Submit signs and sends one instruction paid for by signer and returns
	// the transaction signature. It does not wait for confirmation.
	Submit(ctx context.Context, ix Instruction, signer Signer) (string, error)
	// Confirm blocks until the signature reaches the configured commitment,
	// fails, or ctx ends.
	Confirm(ctx context.Context, signature string) error
	Read(ctx context.Context, ref Reference) (Record, error)
}
