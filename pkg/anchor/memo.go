package anchor

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/proofhash"
)

const (
	MemoProgramID = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	// MaxMemoBytes keeps a single-signer memo transaction under the packet limit.
	MaxMemoBytes = 566

	memoPrefix  = "autotrust"
	memoVersion = "1"
)

// MemoScheme writes the binding as pipe-delimited text through the SPL memo
// program:
//
//	autotrust|v=1|claim=<id>|hash=<hex>|nonce=<n>|wallet=<addr>[|uri=<uri>]
//
// The wallet is also the transaction fee payer and signer, which the
// verifier checks independently of the text.
type MemoScheme struct {
	programID string
}

func NewMemoScheme(programID string) *MemoScheme {
	if programID == "" {
		programID = MemoProgramID
	}
	return &MemoScheme{programID: programID}
}

func (s *MemoScheme) Kind() claim.AnchorScheme { return claim.SchemeMemo }

func (s *MemoScheme) ProgramID() string { return s.programID }

func (s *MemoScheme) Text(b Binding) string {
	var sb strings.Builder
	sb.WriteString(memoPrefix)
	sb.WriteString("|v=" + memoVersion)
	sb.WriteString("|claim=" + b.ClaimID)
	sb.WriteString("|hash=" + strings.ToLower(b.ProofHash))
	sb.WriteString("|nonce=" + strconv.FormatUint(b.Nonce, 10))
	sb.WriteString("|wallet=" + b.Wallet)
	if b.MetadataURI != "" {
		sb.WriteString("|uri=" + b.MetadataURI)
	}
	return sb.String()
}

func (s *MemoScheme) Encode(b Binding) (Payload, error) {
	for _, v := range []string{b.ClaimID, b.Wallet, b.MetadataURI} {
		if strings.ContainsAny(v, "|\n") {
			return Payload{}, eris.Wrap(ErrMalformedPayload, "memo field contains a separator")
		}
	}
	if _, err := proofhash.Parse(b.ProofHash); err != nil {
		return Payload{}, eris.Wrap(ErrMalformedPayload, "memo proof hash")
	}
	text := s.Text(b)
	if len(text) > MaxMemoBytes {
		return Payload{}, eris.Wrapf(ErrPayloadTooLarge, "memo is %d bytes, limit %d", len(text), MaxMemoBytes)
	}
	data := []byte(text)
	return Payload{
		Scheme:      claim.SchemeMemo,
		ProgramID:   s.programID,
		Memo:        text,
		Data:        data,
		Instruction: ledger.Instruction{ProgramID: s.programID, Data: data},
		Binding:     b,
	}, nil
}

// Decode parses both the current memo and the earlier
// "autotrust|claim=..|hash=..|nonce=.." form, which has no wallet field.
func (s *MemoScheme) Decode(data []byte) (Binding, error) {
	parts := strings.Split(string(data), "|")
	if len(parts) < 2 || parts[0] != memoPrefix {
		return Binding{}, eris.Wrap(ErrMalformedPayload, "not an autotrust memo")
	}
	fields := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return Binding{}, eris.Wrapf(ErrMalformedPayload, "memo segment %q", p)
		}
		if _, dup := fields[k]; dup {
			return Binding{}, eris.Wrapf(ErrMalformedPayload, "duplicate memo key %q", k)
		}
		fields[k] = v
	}
	if v, ok := fields["v"]; ok && v != memoVersion {
		return Binding{}, eris.Wrapf(ErrMalformedPayload, "memo version %q", v)
	}
	claimID, hash, nonceStr := fields["claim"], fields["hash"], fields["nonce"]
	if claimID == "" || hash == "" || nonceStr == "" {
		return Binding{}, eris.Wrap(ErrMalformedPayload, "memo missing claim, hash or nonce")
	}
	nonce, err := strconv.ParseUint(nonceStr, 10, 64)
	if err != nil {
		return Binding{}, eris.Wrapf(ErrMalformedPayload, "memo nonce %q", nonceStr)
	}
	return Binding{
		ClaimID:     claimID,
		ProofHash:   hash,
		Nonce:       nonce,
		Wallet:      fields["wallet"],
		MetadataURI: fields["uri"],
	}, nil
}

func (s *MemoScheme) Matches(expected, got Binding) error {
	if err := matchCommon(expected, got); err != nil {
		return err
	}
	if got.Wallet != "" && got.Wallet != expected.Wallet {
		return mismatch("wallet")
	}
	return nil
}

func (s *MemoScheme) Address(Binding) (string, error) { return "", nil }

func (s *MemoScheme) Locate(rec claim.AnchorRecord) ledger.Reference {
	return ledger.Reference{Kind: ledger.RefTransaction, Value: rec.Signature, Program: s.programID}
}
