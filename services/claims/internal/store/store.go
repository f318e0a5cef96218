// Package store persists claims, per-(claim, wallet) nonces and anchor
// history.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/autotrust/autotrust/pkg/claim"
)

var ErrNotFound = eris.New("store: not found")

const DefaultListLimit = 200

type Store interface {
	// Claims
	CreateClaim(ctx context.Context, c *claim.Claim) error
	GetClaim(ctx context.Context, id string) (*claim.Claim, error)
	// ListClaimsByCar returns newest first.
	ListClaimsByCar(ctx context.Context, carID string, limit int) ([]claim.Claim, error)

	// Nonces. A missing counter reads as 0.
	CurrentNonce(ctx context.Context, claimID, wallet string) (uint64, error)
	// CompareAndSetNonce stores n iff n exceeds the current value, in one
	// atomic statement. It reports whether the write was applied.
	CompareAndSetNonce(ctx context.Context, claimID, wallet string, n uint64) (bool, error)

	// CommitAnchor sets the claim's nonce for rec.Wallet to rec.Nonce with
	// the same compare-and-set rule, replaces the active anchor and appends
	// rec to the history, all in one transaction. Nothing is written when
	// the nonce is stale.
	CommitAnchor(ctx context.Context, claimID string, rec claim.AnchorRecord) (bool, error)
	ListAnchorHistory(ctx context.Context, claimID string) ([]claim.AnchorRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

func marshalAttachments(a []claim.Attachment) ([]byte, error) {
	if a == nil {
		a = []claim.Attachment{}
	}
	b, err := json.Marshal(a)
	return b, eris.Wrap(err, "store: marshal attachments")
}

func marshalAnchor(a *claim.AnchorRecord) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	return b, eris.Wrap(err, "store: marshal anchor")
}

func unmarshalClaimJSON(c *claim.Claim, attachments, anchor []byte) error {
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &c.Attachments); err != nil {
			return eris.Wrapf(err, "store: unmarshal attachments of %s", c.ID)
		}
	}
	if len(anchor) > 0 && string(anchor) != "null" {
		var a claim.AnchorRecord
		if err := json.Unmarshal(anchor, &a); err != nil {
			return eris.Wrapf(err, "store: unmarshal anchor of %s", c.ID)
		}
		c.Anchor = &a
	}
	return nil
}

// maxNonce is the largest nonce both backends store in a signed 64-bit column.
const maxNonce = 1<<63 - 1
