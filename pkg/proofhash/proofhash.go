package proofhash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"
)

const Size = sha256.Size

var ErrInvalidDigest = eris.New("proofhash: invalid digest")

// Digest is a SHA-256 content fingerprint.
type Digest [Size]byte

func Sum(canonical []byte) Digest {
	return Digest(sha256.Sum256(canonical))
}

func SumString(canonical string) Digest {
	return Sum([]byte(canonical))
}

// Keyed mixes the signing wallet and the anchor nonce into the digest so a
// proof recorded for one (wallet, nonce) cannot be replayed for another.
func Keyed(canonical []byte, wallet string, nonce uint64) Digest {
	h := sha256.New()
	_, _ = h.Write(canonical)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(wallet))
	_, _ = h.Write([]byte{0})
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	_, _ = h.Write(n[:])
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func (d Digest) String() string { return d.Hex() }

func (d Digest) Equal(o Digest) bool {
	return subtle.ConstantTimeCompare(d[:], o[:]) == 1
}

// Parse accepts lowercase or uppercase hex with an optional "sha256:" prefix.
func Parse(s string) (Digest, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "sha256:")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, eris.Wrap(ErrInvalidDigest, err.Error())
	}
	if len(b) != Size {
		return Digest{}, eris.Wrapf(ErrInvalidDigest, "length %d", len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// EqualHex compares two hex digests without leaking timing on content.
func EqualHex(a, b string) bool {
	da, err := Parse(a)
	if err != nil {
		return false
	}
	db, err := Parse(b)
	if err != nil {
		return false
	}
	return da.Equal(db)
}
