package anchor

import (
	"crypto/sha256"
	"encoding/binary"

	sol "github.com/gagliardetto/solana-go"
	"github.com/rotisserie/eris"
)

// Seeds longer than this are rejected by the runtime.
const maxSeedLen = 32

// DecodeKey parses a base58 ed25519 public key.
func DecodeKey(s string) ([]byte, error) {
	k, err := sol.PublicKeyFromBase58(s)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidWallet, "%q", s)
	}
	return k[:], nil
}

// ProgramAddress derives the off-curve account address for seeds under
// programID, searching bumps from 255 down as the runtime does.
func ProgramAddress(seeds [][]byte, programID []byte) (string, uint8, error) {
	addr, bump, err := sol.FindProgramAddress(seeds, sol.PublicKeyFromBytes(programID))
	if err != nil {
		return "", 0, eris.Wrap(err, "anchor: program address")
	}
	return addr.String(), bump, nil
}

// ProofSeeds are the public inputs an anchor account address derives from.
func ProofSeeds(claimID string, wallet []byte, nonce uint64) [][]byte {
	claimKey := sha256.Sum256([]byte(claimID))
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	return [][]byte{[]byte("proof"), claimKey[:], wallet, n[:]}
}
