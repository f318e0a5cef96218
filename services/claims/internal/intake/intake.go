// Package intake validates new claims and freezes their canonical form and
// proof hash at creation.
package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/autotrust/autotrust/pkg/anchor"
	"github.com/autotrust/autotrust/pkg/canonical"
	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/proofhash"
)

const IDPrefix = "clm_"

type Creator interface {
	CreateClaim(ctx context.Context, c *claim.Claim) error
}

type Service struct {
	store Creator
	newID func() string
	now   func() time.Time
}

func NewService(st Creator) *Service {
	return &Service{
		store: st,
		newID: func() string { return IDPrefix + uuid.NewString() },
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Normalize trims every text field and normalizes attachments, so the
// stored fields are exactly what the canonical form was computed from.
func Normalize(f claim.Fields) claim.Fields {
	return claim.Fields{
		CarID:           claim.TrimSpace(f.CarID),
		Category:        claim.Category(claim.TrimSpace(string(f.Category))),
		Statement:       claim.TrimSpace(f.Statement),
		EvidenceSummary: claim.TrimSpace(f.EvidenceSummary),
		EvidenceURL:     claim.TrimSpace(f.EvidenceURL),
		Attachments:     canonical.NormalizeAttachments(f.Attachments),
		Contributor: claim.Contributor{
			Type:        claim.Role(claim.TrimSpace(string(f.Contributor.Type))),
			DisplayName: claim.TrimSpace(f.Contributor.DisplayName),
			Wallet:      claim.TrimSpace(f.Contributor.Wallet),
		},
	}
}

// Create validates f, computes its canonical bytes and proof hash and stores
// the claim. Claims are never updated afterwards.
func (s *Service) Create(ctx context.Context, f claim.Fields) (*claim.Claim, error) {
	f = Normalize(f)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Contributor.Wallet != "" {
		if _, err := anchor.DecodeKey(f.Contributor.Wallet); err != nil {
			return nil, &claim.ValidationError{Field: "contributor.wallet", Message: "must be a base58 public key"}
		}
	}
	canon := canonical.Canonicalize(f)
	now := s.now()
	c := &claim.Claim{
		ID:        s.newID(),
		Fields:    f,
		Canonical: string(canon),
		ProofHash: proofhash.Sum(canon).Hex(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateClaim(ctx, c); err != nil {
		return nil, eris.Wrap(err, "intake: create claim")
	}
	zap.L().Info("claim created",
		zap.String("claim_id", c.ID),
		zap.String("car_id", c.CarID),
		zap.String("proof_hash", c.ProofHash),
	)
	return c, nil
}
