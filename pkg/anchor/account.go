package anchor

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	sol "github.com/gagliardetto/solana-go"
	"github.com/rotisserie/eris"

	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger"
	"github.com/autotrust/autotrust/pkg/proofhash"
)

const (
	SystemProgramID = "11111111111111111111111111111111"

	// MaxAccountPayload leaves room for signatures, keys and the blockhash.
	MaxAccountPayload = 900

	accountLayoutVersion = 1
	maxClaimIDLen        = 64
	maxMetadataURILen    = 200
)

var proofDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("account:ClaimProof"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

// AccountScheme writes the binding into a program-derived account whose
// address is fixed by (claim id, wallet, nonce). The program stores the
// instruction body verbatim, so instruction data and account data share one
// layout:
//
//	discriminator[8] version u8 claimID(u32 len + bytes) proofHash[32]
//	wallet[32] nonce u64le keyedDigest[32] metadataURI(u32 len + bytes)
type AccountScheme struct {
	programID  string
	programKey []byte
}

func NewAccountScheme(programID string) (*AccountScheme, error) {
	key, err := DecodeKey(programID)
	if err != nil {
		return nil, eris.Wrap(err, "anchor: account program id")
	}
	return &AccountScheme{programID: programID, programKey: key}, nil
}

func (s *AccountScheme) Kind() claim.AnchorScheme { return claim.SchemeAccount }

func (s *AccountScheme) ProgramID() string { return s.programID }

func (s *AccountScheme) Address(b Binding) (string, error) {
	wallet, err := DecodeKey(b.Wallet)
	if err != nil {
		return "", err
	}
	addr, _, err := ProgramAddress(ProofSeeds(b.ClaimID, wallet, b.Nonce), s.programKey)
	return addr, err
}

func (s *AccountScheme) Encode(b Binding) (Payload, error) {
	wallet, err := DecodeKey(b.Wallet)
	if err != nil {
		return Payload{}, err
	}
	if len(b.ClaimID) == 0 || len(b.ClaimID) > maxClaimIDLen {
		return Payload{}, eris.Wrapf(ErrMalformedPayload, "claim id length %d", len(b.ClaimID))
	}
	if len(b.MetadataURI) > maxMetadataURILen {
		return Payload{}, eris.Wrapf(ErrPayloadTooLarge, "metadata uri is %d bytes", len(b.MetadataURI))
	}
	hash, err := proofhash.Parse(b.ProofHash)
	if err != nil {
		return Payload{}, eris.Wrap(ErrMalformedPayload, "proof hash")
	}
	keyed, err := proofhash.Parse(b.KeyedDigest)
	if err != nil {
		return Payload{}, eris.Wrap(ErrMalformedPayload, "keyed digest")
	}

	var buf bytes.Buffer
	buf.Write(proofDiscriminator[:])
	buf.WriteByte(accountLayoutVersion)
	writeBytes(&buf, []byte(b.ClaimID))
	buf.Write(hash[:])
	buf.Write(wallet)
	_ = binary.Write(&buf, binary.LittleEndian, b.Nonce)
	buf.Write(keyed[:])
	writeBytes(&buf, []byte(b.MetadataURI))
	if buf.Len() > MaxAccountPayload {
		return Payload{}, eris.Wrapf(ErrPayloadTooLarge, "account payload is %d bytes, limit %d", buf.Len(), MaxAccountPayload)
	}

	addr, err := s.Address(b)
	if err != nil {
		return Payload{}, err
	}
	data := buf.Bytes()
	return Payload{
		Scheme:    claim.SchemeAccount,
		ProgramID: s.programID,
		Address:   addr,
		Data:      data,
		Instruction: ledger.Instruction{
			ProgramID: s.programID,
			Accounts: []ledger.AccountMeta{
				{Address: addr, Writable: true},
				{Address: b.Wallet, Signer: true, Writable: true},
				{Address: SystemProgramID},
			},
			Data: data,
		},
		Binding: b,
	}, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = eris.Wrap(ErrMalformedPayload, "account data truncated")
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) lenPrefixed(limit int) []byte {
	l := r.next(4)
	if l == nil {
		return nil
	}
	n := binary.LittleEndian.Uint32(l)
	if int(n) > limit {
		r.err = eris.Wrapf(ErrMalformedPayload, "field length %d over %d", n, limit)
		return nil
	}
	return r.next(int(n))
}

func (s *AccountScheme) Decode(data []byte) (Binding, error) {
	r := &reader{b: data}
	disc := r.next(8)
	if r.err == nil && !bytes.Equal(disc, proofDiscriminator[:]) {
		return Binding{}, eris.Wrap(ErrMalformedPayload, "account discriminator")
	}
	ver := r.next(1)
	if r.err == nil && ver[0] != accountLayoutVersion {
		return Binding{}, eris.Wrapf(ErrMalformedPayload, "account layout version %d", ver[0])
	}
	claimID := r.lenPrefixed(maxClaimIDLen)
	hash := r.next(32)
	wallet := r.next(32)
	nonce := r.next(8)
	keyed := r.next(32)
	uri := r.lenPrefixed(maxMetadataURILen)
	if r.err != nil {
		return Binding{}, r.err
	}
	return Binding{
		ClaimID:     string(claimID),
		ProofHash:   hex.EncodeToString(hash),
		Wallet:      sol.PublicKeyFromBytes(wallet).String(),
		Nonce:       binary.LittleEndian.Uint64(nonce),
		KeyedDigest: hex.EncodeToString(keyed),
		MetadataURI: string(uri),
	}, nil
}

func (s *AccountScheme) Matches(expected, got Binding) error {
	if err := matchCommon(expected, got); err != nil {
		return err
	}
	if got.Wallet != expected.Wallet {
		return mismatch("wallet")
	}
	if !proofhash.EqualHex(got.KeyedDigest, expected.KeyedDigest) {
		return mismatch("keyed digest")
	}
	return nil
}

func (s *AccountScheme) Locate(rec claim.AnchorRecord) ledger.Reference {
	return ledger.Reference{Kind: ledger.RefAccount, Value: rec.Address, Program: s.programID}
}
