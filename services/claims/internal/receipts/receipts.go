// Package receipts turns a client's "I anchored this" report into a stored
// anchor record, but only after the ledger itself confirms it.
package receipts

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/autotrust/autotrust/pkg/anchor"
	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/verify"
	"github.com/autotrust/autotrust/services/claims/internal/nonce"
)

var (
	// ErrPending means the transaction has not reached the configured
	// commitment yet. Nothing was written; the receipt can be sent again.
	ErrPending = eris.New("receipts: confirmation pending")
	// ErrNonceMismatch means the client declared a nonce other than the one
	// embedded in the confirmed transaction.
	ErrNonceMismatch = eris.New("receipts: declared nonce differs from ledger")
	// ErrNotVerified means the ledger data does not bind this claim.
	ErrNotVerified = eris.New("receipts: anchor does not verify")
)

// Receipt is what a client reports after signing and sending an anchor
// transaction. Only Signature and Wallet are trusted as lookup keys; every
// other value is re-derived from the ledger.
type Receipt struct {
	Scheme    claim.AnchorScheme `json:"scheme"`
	ProgramID string             `json:"programId"`
	Address   string             `json:"proofPda"`
	Signature string             `json:"txSignature"`
	Wallet    string             `json:"wallet"`
	Nonce     *uint64            `json:"nonce"`
}

type Store interface {
	GetClaim(ctx context.Context, id string) (*claim.Claim, error)
	CommitAnchor(ctx context.Context, claimID string, rec claim.AnchorRecord) (bool, error)
}

type Service struct {
	store          Store
	nonces         *nonce.Ledger
	client         ledger.Client
	schemes        anchor.Registry
	confirmTimeout time.Duration
	now            func() time.Time
}

func NewService(st Store, nonces *nonce.Ledger, client ledger.Client, schemes anchor.Registry, confirmTimeout time.Duration) *Service {
	return &Service{
		store:          st,
		nonces:         nonces,
		client:         client,
		schemes:        schemes,
		confirmTimeout: confirmTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) confirm(ctx context.Context, sig string) error {
	cctx := ctx
	if s.confirmTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.confirmTimeout)
		defer cancel()
	}
	err := s.client.Confirm(cctx, sig)
	if err != nil && ctx.Err() == nil && eris.Is(err, context.DeadlineExceeded) {
		return eris.Wrapf(ErrPending, "signature %s", sig)
	}
	return err
}

// Record confirms r.Signature, reads the binding it carries for claimID,
// checks it the same way the verifier does and then stores it as the
// claim's active anchor. The nonce stored is the one read from the ledger.
func (s *Service) Record(ctx context.Context, claimID string, r Receipt) (*claim.AnchorRecord, error) {
	if r.Signature == "" {
		return nil, &claim.ValidationError{Field: "txSignature", Message: "is required"}
	}
	if r.Wallet == "" {
		return nil, &claim.ValidationError{Field: "wallet", Message: "is required"}
	}
	scheme, err := s.schemes.Get(r.Scheme)
	if err != nil {
		return nil, &claim.ValidationError{Field: "scheme", Message: "is not supported"}
	}
	if r.ProgramID != "" && r.ProgramID != scheme.ProgramID() {
		return nil, &claim.ValidationError{Field: "programId", Message: "does not match the configured program"}
	}
	c, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}

	if err := s.confirm(ctx, r.Signature); err != nil {
		return nil, eris.Wrap(err, "receipts: confirm")
	}
	txRef := ledger.Reference{Kind: ledger.RefTransaction, Value: r.Signature, Program: scheme.ProgramID()}
	txRec, err := s.client.Read(ctx, txRef)
	if eris.Is(err, ledger.ErrNotFound) {
		// Confirmed but not yet served by the node.
		return nil, eris.Wrapf(ErrPending, "transaction %s not readable yet", r.Signature)
	}
	if err != nil {
		return nil, eris.Wrap(err, "receipts: read transaction")
	}
	if !txRec.SignedBy(r.Wallet) {
		return nil, eris.Wrapf(ErrNotVerified, "transaction %s not signed by %s", r.Signature, r.Wallet)
	}

	bound, ok := findBinding(scheme, txRec.Payloads, claimID, r.Wallet)
	if !ok {
		return nil, eris.Wrapf(ErrNotVerified, "transaction %s carries no binding for %s", r.Signature, claimID)
	}
	if r.Nonce != nil && *r.Nonce != bound.Nonce {
		return nil, eris.Wrapf(ErrNonceMismatch, "declared %d, ledger %d", *r.Nonce, bound.Nonce)
	}
	current, err := s.nonces.Current(ctx, claimID, r.Wallet)
	if err != nil {
		return nil, err
	}
	if bound.Nonce <= current {
		return nil, eris.Wrapf(nonce.ErrStaleNonce, "nonce %d, current %d", bound.Nonce, current)
	}

	rec := claim.AnchorRecord{
		Scheme:     scheme.Kind(),
		ProgramID:  scheme.ProgramID(),
		Signature:  r.Signature,
		Nonce:      bound.Nonce,
		Wallet:     r.Wallet,
		AnchoredAt: s.now(),
	}
	rec.Address, err = scheme.Address(anchor.Binding{ClaimID: claimID, Wallet: r.Wallet, Nonce: bound.Nonce})
	if err != nil {
		return nil, eris.Wrapf(ErrNotVerified, "derive address: %v", err)
	}
	if r.Address != "" && r.Address != rec.Address {
		return nil, eris.Wrapf(ErrNotVerified, "declared address %s, derived %s", r.Address, rec.Address)
	}

	candidate := *c
	candidate.Anchor = &rec
	ref := scheme.Locate(rec)
	data := txRec
	if ref.Kind != ledger.RefTransaction {
		data, err = s.client.Read(ctx, ref)
		if eris.Is(err, ledger.ErrNotFound) {
			return nil, eris.Wrapf(ErrPending, "account %s not readable yet", ref.Value)
		}
		if err != nil {
			return nil, eris.Wrap(err, "receipts: read account")
		}
	}
	if res := verify.Evaluate(candidate, scheme, ref, data); !res.Verified() {
		return nil, eris.Wrapf(ErrNotVerified, "%s: %v", res.Reason, res.Details["field"])
	}

	err = s.nonces.Commit(ctx, claimID, rec.Wallet, rec.Nonce, func(ctx context.Context) (bool, error) {
		return s.store.CommitAnchor(ctx, claimID, rec)
	})
	if err != nil {
		return nil, eris.Wrap(err, "receipts: commit")
	}
	zap.L().Info("anchor recorded",
		zap.String("claim_id", claimID),
		zap.String("scheme", string(rec.Scheme)),
		zap.String("signature", rec.Signature),
		zap.Uint64("nonce", rec.Nonce),
		zap.String("wallet", rec.Wallet),
	)
	return &rec, nil
}

func findBinding(s anchor.Scheme, payloads [][]byte, claimID, wallet string) (anchor.Binding, bool) {
	for _, p := range payloads {
		b, err := s.Decode(p)
		if err != nil || b.ClaimID != claimID {
			continue
		}
		if b.Wallet != "" && b.Wallet != wallet {
			continue
		}
		return b, true
	}
	return anchor.Binding{}, false
}
