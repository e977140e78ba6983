package ledger

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of ledger signing keys.
const KeySize = 32

// ratchet derives the next key generation. The derivation is one-way: an
// attacker holding k_{n+1} cannot recover k_n.
func ratchet(key []byte) []byte {
	sum := sha256.Sum256(key)
	next := make([]byte, KeySize)
	copy(next, sum[:])
	return next
}

// DeriveGenesisKey expands seed material from a key-provisioning source into
// the ledger's original signing key using HKDF-SHA256. The same seed, salt
// and ledger id always derive the same key, which is what allows a restarted
// process to rebuild the forward-secure key history.
func DeriveGenesisKey(seed, salt []byte, ledgerID string) ([]byte, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("ledger: empty key seed")
	}
	r := hkdf.New(sha256.New, seed, salt, []byte("gatewarden-ledger:"+ledgerID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ledger: hkdf derivation: %w", err)
	}
	return key, nil
}
