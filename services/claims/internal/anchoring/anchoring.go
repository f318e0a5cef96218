// Package anchoring prepares anchor payloads for a claim and, for
// server-held wallets, submits and records them.
package anchoring

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/autotrust/autotrust/pkg/anchor"
	"github.com/autotrust/autotrust/pkg/canonical"
	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/proofhash"
	"github.com/autotrust/autotrust/services/claims/internal/nonce"
	"github.com/autotrust/autotrust/services/claims/internal/receipts"
)

type ClaimGetter interface {
	GetClaim(ctx context.Context, id string) (*claim.Claim, error)
}

type AccountView struct {
	Address  string `json:"address"`
	Signer   bool   `json:"isSigner"`
	Writable bool   `json:"isWritable"`
}

// Prepared is an unsigned anchor instruction for a wallet to sign.
type Prepared struct {
	ClaimID     string             `json:"claimId"`
	Wallet      string             `json:"wallet"`
	Nonce       uint64             `json:"nonce"`
	ProofHash   string             `json:"proofHash"`
	KeyedDigest string             `json:"keyedDigest,omitempty"`
	Scheme      claim.AnchorScheme `json:"scheme"`
	ProgramID   string             `json:"programId"`
	Address     string             `json:"proofPda,omitempty"`
	Memo        string             `json:"memo,omitempty"`
	Data        []byte             `json:"data"`
	Accounts    []AccountView      `json:"accounts"`

	Payload anchor.Payload `json:"-"`
}

type Builder struct {
	claims   ClaimGetter
	nonces   *nonce.Ledger
	schemes  anchor.Registry
	client   ledger.Client
	receipts *receipts.Service
}

func NewBuilder(claims ClaimGetter, nonces *nonce.Ledger, schemes anchor.Registry, client ledger.Client, rs *receipts.Service) *Builder {
	return &Builder{claims: claims, nonces: nonces, schemes: schemes, client: client, receipts: rs}
}

// Prepare builds the payload for the next nonce of (claimID, wallet). It
// writes nothing.
func (b *Builder) Prepare(ctx context.Context, claimID, wallet string, kind claim.AnchorScheme) (*Prepared, error) {
	return b.Build(ctx, claimID, wallet, kind, 0)
}

// Build is Prepare with an explicit nonce; n == 0 selects the next one.
func (b *Builder) Build(ctx context.Context, claimID, wallet string, kind claim.AnchorScheme, n uint64) (*Prepared, error) {
	wallet = strings.TrimSpace(wallet)
	if _, err := anchor.DecodeKey(wallet); err != nil {
		return nil, &claim.ValidationError{Field: "wallet", Message: "must be a base58 public key"}
	}
	scheme, err := b.schemes.Get(kind)
	if err != nil {
		return nil, &claim.ValidationError{Field: "scheme", Message: "is not supported"}
	}
	c, err := b.claims.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	canon := canonical.Canonicalize(c.Fields)
	if string(canon) != c.Canonical || !proofhash.EqualHex(proofhash.Sum(canon).Hex(), c.ProofHash) {
		return nil, eris.Wrapf(anchor.ErrHashMismatch, "claim %s changed since it was hashed", claimID)
	}

	current, err := b.nonces.Current(ctx, claimID, wallet)
	if err != nil {
		return nil, err
	}
	switch {
	case n == 0:
		if n, err = b.nonces.Next(ctx, claimID, wallet); err != nil {
			return nil, err
		}
	case n <= current:
		return nil, eris.Wrapf(anchor.ErrInvalidNonce, "nonce %d, current %d", n, current)
	}

	binding := anchor.NewBinding(c.ID, canon, wallet, n)
	p, err := scheme.Encode(binding)
	if err != nil {
		return nil, eris.Wrapf(err, "anchoring: encode %s", scheme.Kind())
	}
	out := &Prepared{
		ClaimID:   c.ID,
		Wallet:    wallet,
		Nonce:     n,
		ProofHash: binding.ProofHash,
		Scheme:    p.Scheme,
		ProgramID: p.ProgramID,
		Address:   p.Address,
		Memo:      p.Memo,
		Data:      p.Data,
		Accounts:  []AccountView{},
		Payload:   p,
	}
	if p.Scheme == claim.SchemeAccount {
		out.KeyedDigest = binding.KeyedDigest
	}
	for _, a := range p.Instruction.Accounts {
		out.Accounts = append(out.Accounts, AccountView(a))
	}
	return out, nil
}

// Anchor signs with a server-held wallet: prepare, submit, then record
// through the receipt path, which confirms before anything is stored. If
// confirmation times out the returned error wraps receipts.ErrPending and
// carries the signature so the receipt can be resent later.
func (b *Builder) Anchor(ctx context.Context, claimID string, signer ledger.Signer, kind claim.AnchorScheme) (*claim.AnchorRecord, error) {
	prep, err := b.Prepare(ctx, claimID, signer.PublicKey(), kind)
	if err != nil {
		return nil, err
	}
	sig, err := b.client.Submit(ctx, prep.Payload.Instruction, signer)
	if err != nil {
		return nil, eris.Wrap(err, "anchoring: submit")
	}
	zap.L().Info("anchor submitted",
		zap.String("claim_id", claimID),
		zap.String("signature", sig),
		zap.Uint64("nonce", prep.Nonce),
	)
	rec, err := b.receipts.Record(ctx, claimID, receipts.Receipt{
		Scheme:    prep.Scheme,
		ProgramID: prep.ProgramID,
		Address:   prep.Address,
		Signature: sig,
		Wallet:    prep.Wallet,
		Nonce:     &prep.Nonce,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "anchoring: signature %s", sig)
	}
	return rec, nil
}
