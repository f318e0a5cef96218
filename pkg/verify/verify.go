// Package verify checks a claim's anchor against what the ledger actually
// holds. It never writes: the same claim and reference always give the same
// result while the ledger is unchanged.
package verify

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/autotrust/autotrust/pkg/anchor"
	"github.com/autotrust/autotrust/pkg/canonical"
	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/proofhash"
)

type Status string

const (
	StatusVerified Status = "VERIFIED"
	StatusInvalid  Status = "INVALID"
)

const (
	ReasonNoAnchor     = "no anchor"
	ReasonStaleClaim   = "stale claim"
	ReasonNotFound     = "not found on ledger"
	ReasonHashMismatch = "hash mismatch"
)

type Result struct {
	Status  Status         `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (r Result) Verified() bool { return r.Status == StatusVerified }

func invalid(reason string, details map[string]any) Result {
	return Result{Status: StatusInvalid, Reason: reason, Details: details}
}

type Verifier struct {
	client  ledger.Client
	schemes anchor.Registry
}

func New(client ledger.Client, schemes anchor.Registry) *Verifier {
	return &Verifier{client: client, schemes: schemes}
}

// Locate returns the ledger reference recorded for c, or an empty reference
// when c is unanchored or its scheme is not configured.
func (v *Verifier) Locate(c claim.Claim) ledger.Reference {
	if c.Anchor == nil {
		return ledger.Reference{}
	}
	s, err := v.schemes.Get(c.Anchor.Scheme)
	if err != nil {
		return ledger.Reference{}
	}
	return s.Locate(*c.Anchor)
}

// Verify checks c against the ledger data at ref. Ledger transport failures
// are returned as errors; every finding about the data is a Result.
func (v *Verifier) Verify(ctx context.Context, c claim.Claim, ref ledger.Reference) (Result, error) {
	if r, done := precheck(c, ref); done {
		return r, nil
	}
	scheme, err := v.schemes.Get(c.Anchor.Scheme)
	if err != nil {
		return Result{}, eris.Wrap(err, "verify: scheme")
	}
	rec, err := v.client.Read(ctx, ref)
	if eris.Is(err, ledger.ErrNotFound) {
		return invalid(ReasonNotFound, map[string]any{"reference": ref}), nil
	}
	if err != nil {
		return Result{}, eris.Wrapf(err, "verify: read %s %s", ref.Kind, ref.Value)
	}
	return Evaluate(c, scheme, ref, rec), nil
}

// VerifyClaim verifies c at the reference its own anchor record points to.
// An anchor written through a scheme this verifier is not configured for is
// an error, not a missing anchor.
func (v *Verifier) VerifyClaim(ctx context.Context, c claim.Claim) (Result, error) {
	if c.Anchor != nil {
		if _, err := v.schemes.Get(c.Anchor.Scheme); err != nil {
			return Result{}, eris.Wrapf(err, "verify: claim %s", c.ID)
		}
	}
	return v.Verify(ctx, c, v.Locate(c))
}

// VerifyMany verifies claims concurrently, at most limit at a time. Results
// are positional.
func (v *Verifier) VerifyMany(ctx context.Context, claims []claim.Claim, limit int) ([]Result, error) {
	out := make([]Result, len(claims))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range claims {
		g.Go(func() error {
			r, err := v.VerifyClaim(ctx, claims[i])
			if err != nil {
				return eris.Wrapf(err, "verify: claim %s", claims[i].ID)
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func precheck(c claim.Claim, ref ledger.Reference) (Result, bool) {
	if c.Anchor == nil || ref.Empty() {
		return invalid(ReasonNoAnchor, nil), true
	}
	recomputed := proofhash.Sum(canonical.Canonicalize(c.Fields))
	if !proofhash.EqualHex(recomputed.Hex(), c.ProofHash) {
		return invalid(ReasonStaleClaim, map[string]any{
			"storedHash":     c.ProofHash,
			"recomputedHash": recomputed.Hex(),
		}), true
	}
	return Result{}, false
}

// Evaluate compares already-fetched ledger data with what c's anchor record
// says was written. It is the pure core of Verify, shared with the receipt
// path that checks a record before committing it.
func Evaluate(c claim.Claim, scheme anchor.Scheme, ref ledger.Reference, rec ledger.Record) Result {
	if r, done := precheck(c, ref); done {
		return r
	}
	a := c.Anchor
	expected := anchor.NewBinding(c.ID, canonical.Canonicalize(c.Fields), a.Wallet, a.Nonce)
	mismatch := func(field string) Result {
		return invalid(ReasonHashMismatch, map[string]any{"field": field, "reference": ref})
	}

	if ref.Program != scheme.ProgramID() {
		return mismatch("program")
	}
	switch ref.Kind {
	case ledger.RefAccount:
		if rec.Owner != scheme.ProgramID() {
			return mismatch("owner")
		}
		addr, err := scheme.Address(expected)
		if err != nil || addr != ref.Value {
			return mismatch("address")
		}
	case ledger.RefTransaction:
		if !rec.SignedBy(a.Wallet) {
			return mismatch("signer")
		}
	default:
		return mismatch("reference kind")
	}

	cause := "payload"
	anchored := ""
	for _, p := range rec.Payloads {
		got, err := scheme.Decode(p)
		if err != nil {
			continue
		}
		if err := scheme.Matches(expected, got); err != nil {
			if superseded(expected, got) {
				anchored = got.ProofHash
			}
			cause = err.Error()
			continue
		}
		return Result{Status: StatusVerified, Details: map[string]any{
			"claimId":   c.ID,
			"proofHash": expected.ProofHash,
			"nonce":     a.Nonce,
			"wallet":    a.Wallet,
			"reference": ref,
			"slot":      rec.Slot,
		}}
	}
	if anchored != "" {
		return invalid(ReasonStaleClaim, map[string]any{
			"anchoredHash": anchored,
			"currentHash":  expected.ProofHash,
			"reference":    ref,
		})
	}
	return invalid(ReasonHashMismatch, map[string]any{"field": cause, "reference": ref})
}

// superseded reports whether got is this claim's own binding written before
// its content changed: same claim, nonce and wallet under another hash.
func superseded(expected, got anchor.Binding) bool {
	return got.ClaimID == expected.ClaimID &&
		got.Nonce == expected.Nonce &&
		(got.Wallet == "" || got.Wallet == expected.Wallet) &&
		!proofhash.EqualHex(got.ProofHash, expected.ProofHash)
}
