// Package anchor builds and decodes the ledger payloads that bind a claim's
// proof hash to a wallet and nonce.
package anchor

import (
	"github.com/rotisserie/eris"

	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/proofhash"
)

var (
	ErrInvalidNonce     = eris.New("anchor: nonce must exceed the current nonce")
	ErrHashMismatch     = eris.New("anchor: proof hash does not match claim content")
	ErrPayloadTooLarge  = eris.New("anchor: payload exceeds ledger size limit")
	ErrMalformedPayload = eris.New("anchor: malformed payload")
	ErrUnknownScheme    = eris.New("anchor: unknown scheme")
	ErrInvalidWallet    = eris.New("anchor: invalid wallet address")
)

// Binding is the set of values an anchor commits to.
type Binding struct {
	ClaimID     string
	ProofHash   string
	Wallet      string
	Nonce       uint64
	MetadataURI string
	// KeyedDigest is proofhash.Keyed(canonical, wallet, nonce) in hex. Schemes
	// that store it on-chain compare it; the memo scheme leaves it empty.
	KeyedDigest string
}

// NewBinding derives the binding for a claim's canonical bytes.
func NewBinding(claimID string, canonical []byte, wallet string, nonce uint64) Binding {
	return Binding{
		ClaimID:     claimID,
		ProofHash:   proofhash.Sum(canonical).Hex(),
		Wallet:      wallet,
		Nonce:       nonce,
		KeyedDigest: proofhash.Keyed(canonical, wallet, nonce).Hex(),
	}
}

// Payload is an unsigned anchoring instruction plus the address it will
// write, if any.
type Payload struct {
	Scheme      claim.AnchorScheme `json:"scheme"`
	ProgramID   string             `json:"programId"`
	Address     string             `json:"proofPda,omitempty"`
	Memo        string             `json:"memo,omitempty"`
	Data        []byte             `json:"data"`
	Instruction ledger.Instruction `json:"-"`
	Binding     Binding            `json:"-"`
}

// Scheme is one way of writing a binding to the ledger. The verifier only
// talks to this interface, so memo and account anchors verify the same way.
type Scheme interface {
	Kind() claim.AnchorScheme
	ProgramID() string
	Encode(b Binding) (Payload, error)
	Decode(data []byte) (Binding, error)
	Matches(expected, got Binding) error
	// Address returns the account a binding is written to, or "" when the
	// scheme anchors in transaction data.
	Address(b Binding) (string, error)
	// Locate returns where a recorded anchor can be read back.
	Locate(rec claim.AnchorRecord) ledger.Reference
}

// Registry resolves schemes by kind.
type Registry map[claim.AnchorScheme]Scheme

func NewRegistry(schemes ...Scheme) Registry {
	r := Registry{}
	for _, s := range schemes {
		r[s.Kind()] = s
	}
	return r
}

func (r Registry) Get(kind claim.AnchorScheme) (Scheme, error) {
	if kind == "" {
		kind = claim.SchemeMemo
	}
	s, ok := r[kind]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownScheme, "%q", kind)
	}
	return s, nil
}

func mismatch(field string) error {
	return eris.Wrapf(ErrHashMismatch, "%s differs", field)
}

// matchCommon compares the fields every scheme carries.
func matchCommon(expected, got Binding) error {
	if got.ClaimID != expected.ClaimID {
		return mismatch("claim id")
	}
	if !proofhash.EqualHex(got.ProofHash, expected.ProofHash) {
		return mismatch("proof hash")
	}
	if got.Nonce != expected.Nonce {
		return mismatch("nonce")
	}
	return nil
}
