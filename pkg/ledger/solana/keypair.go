package solana

import (
	"crypto/ed25519"
	"encoding/json"

	sol "github.com/gagliardetto/solana-go"
	"github.com/rotisserie/eris"
)

// Keypair is a custodial wallet key. It implements ledger.Signer.
type Keypair struct {
	key sol.PrivateKey
}

// LoadKeypair reads a key file in the CLI's format: a JSON array of the 64
// secret key bytes.
func LoadKeypair(path string) (*Keypair, error) {
	key, err := sol.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "solana: read keypair %s", path)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, eris.Errorf("solana: keypair %s has %d bytes, want %d", path, len(key), ed25519.PrivateKeySize)
	}
	// The trailing 32 bytes must be the public key of the leading seed.
	if !ed25519.NewKeyFromSeed(key[:ed25519.SeedSize]).Equal(ed25519.PrivateKey(key)) {
		return nil, eris.Errorf("solana: keypair %s is inconsistent", path)
	}
	return &Keypair{key: key}, nil
}

func NewKeypairFromSeed(seed []byte) *Keypair {
	return &Keypair{key: sol.PrivateKey(ed25519.NewKeyFromSeed(seed))}
}

func (k *Keypair) PublicKey() string {
	return k.key.PublicKey().String()
}

func (k *Keypair) Sign(message []byte) ([]byte, error) {
	sig, err := k.key.Sign(message)
	if err != nil {
		return nil, eris.Wrap(err, "solana: sign")
	}
	return sig[:], nil
}

// MarshalJSON writes the key in the same format LoadKeypair reads.
func (k *Keypair) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(k.key))
	for i, b := range k.key {
		ints[i] = int(b)
	}
	return json.Marshal(ints)
}
