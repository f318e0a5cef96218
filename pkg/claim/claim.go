// Package claim holds the claim model shared by the canonicalizer, the
// verifier and the claims service.
package claim

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

type Category string

const (
	CategoryReliability   Category = "reliability"
	CategoryOwnershipCost Category = "ownership_cost"
	CategoryComfort       Category = "comfort"
	CategoryEfficiency    Category = "efficiency"
	CategorySafety        Category = "safety"
)

var categories = map[Category]struct{}{
	CategoryReliability:   {},
	CategoryOwnershipCost: {},
	CategoryComfort:       {},
	CategoryEfficiency:    {},
	CategorySafety:        {},
}

func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

type Role string

const (
	RoleOwner    Role = "owner"
	RoleMechanic Role = "mechanic"
	RoleExpert   Role = "expert"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleMechanic || r == RoleExpert
}

type Attachment struct {
	URL          string `json:"url" yaml:"url"`
	OriginalName string `json:"originalName" yaml:"originalName"`
	MimeType     string `json:"mimeType" yaml:"mimeType"`
	Size         int64  `json:"size" yaml:"size"`
}

type Contributor struct {
	Type        Role   `json:"type" yaml:"type"`
	DisplayName string `json:"displayName" yaml:"displayName"`
	Wallet      string `json:"wallet" yaml:"wallet"`
}

// Fields are the semantic fields of a claim. Canonical bytes and the proof
// hash are a pure function of these.
type Fields struct {
	CarID           string       `json:"carId" yaml:"carId"`
	Category        Category     `json:"category" yaml:"category"`
	Statement       string       `json:"statement" yaml:"statement"`
	EvidenceSummary string       `json:"evidenceSummary" yaml:"evidenceSummary"`
	EvidenceURL     string       `json:"evidenceUrl" yaml:"evidenceUrl"`
	Attachments     []Attachment `json:"attachments" yaml:"attachments"`
	Contributor     Contributor  `json:"contributor" yaml:"contributor"`
}

type AnchorScheme string

const (
	SchemeMemo    AnchorScheme = "memo"
	SchemeAccount AnchorScheme = "account"
)

// AnchorRecord is the confirmed ledger fact binding a claim to its proof.
type AnchorRecord struct {
	Scheme     AnchorScheme `json:"scheme"`
	ProgramID  string       `json:"programId"`
	Address    string       `json:"proofPda"`
	Signature  string       `json:"txSignature"`
	Nonce      uint64       `json:"nonce"`
	Wallet     string       `json:"wallet"`
	AnchoredAt time.Time    `json:"anchoredAt"`
}

type Claim struct {
	ID string `json:"claimId"`
	Fields
	Canonical string        `json:"canonical"`
	ProofHash string        `json:"proofHash"`
	Anchor    *AnchorRecord `json:"anchor"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Anchored reports whether the claim carries a confirmed anchor signature.
func (c Claim) Anchored() bool {
	return c.Anchor != nil && strings.TrimSpace(c.Anchor.Signature) != ""
}

// ValidationError names the first missing or malformed required field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func required(field, v string) error {
	if TrimSpace(v) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// Validate rejects fields that must not reach canonicalization.
func (f Fields) Validate() error {
	checks := []struct{ field, value string }{
		{"carId", f.CarID},
		{"category", string(f.Category)},
		{"statement", f.Statement},
		{"evidenceSummary", f.EvidenceSummary},
		{"contributor.type", string(f.Contributor.Type)},
		{"contributor.displayName", f.Contributor.DisplayName},
	}
	for _, c := range checks {
		if err := required(c.field, c.value); err != nil {
			return err
		}
	}
	if !Category(TrimSpace(string(f.Category))).Valid() {
		return &ValidationError{Field: "category", Message: "must be one of reliability, ownership_cost, comfort, efficiency, safety"}
	}
	if !Role(TrimSpace(string(f.Contributor.Type))).Valid() {
		return &ValidationError{Field: "contributor.type", Message: "must be one of owner, mechanic, expert"}
	}
	for i, a := range f.Attachments {
		if a.Size < 0 {
			return &ValidationError{Field: fmt.Sprintf("attachments[%d].size", i), Message: "must not be negative"}
		}
	}
	return nil
}

// TrimSpace trims the characters String.prototype.trim removes: the
// WhiteSpace and LineTerminator sets, Unicode Zs included. U+0085 is kept
// and U+FEFF removed, unlike strings.TrimSpace.
func TrimSpace(s string) string {
	return strings.TrimFunc(s, isTrimmable)
}

func isTrimmable(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', '\u2028', '\u2029', '\ufeff':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}
