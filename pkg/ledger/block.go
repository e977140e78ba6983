// Package ledger implements an append-only, hash-chained, HMAC-sealed log
// with forward-secure key rotation.
//
// Every block is MAC'd under the key generation active when it was appended,
// and keys ratchet through a one-way hash, so compromising the current key
// does not allow forging or re-verifying historical blocks. Verification at
// reload requires the original (genesis) key: if that key is lost, history
// becomes permanently unverifiable. That is an operational contract, not a
// recoverable condition.
package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash sentinel for block 0.
const GenesisHash = "genesis"

// Block is one immutable ledger record.
type Block struct {
	Index     uint64          `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Entry     json.RawMessage `json:"entry"`
	PrevHash  string          `json:"prev_hash"`
	MAC       string          `json:"mac"`
}

// canonicalContent returns the RFC 8785 canonical JSON of the block's
// (entry, index, timestamp, prev_hash) tuple. Both the chain hash and the
// MAC are computed over this form so byte-level JSON variations cannot mask
// tampering.
func (b *Block) canonicalContent() ([]byte, error) {
	raw, err := json.Marshal(struct {
		Index     uint64          `json:"index"`
		Timestamp time.Time       `json:"timestamp"`
		Entry     json.RawMessage `json:"entry"`
		PrevHash  string          `json:"prev_hash"`
	}{b.Index, b.Timestamp, b.Entry, b.PrevHash})
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal block %d: %w", b.Index, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize block %d: %w", b.Index, err)
	}
	return canonical, nil
}

// Hash returns the SHA-256 hex digest of the block's canonical content.
func (b *Block) Hash() (string, error) {
	canonical, err := b.canonicalContent()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// mac computes the keyed authentication tag over the canonical content.
func (b *Block) mac(key []byte) (string, error) {
	canonical, err := b.canonicalContent()
	if err != nil {
		return "", err
	}
	m := hmac.New(sha256.New, key)
	m.Write(canonical)
	return hex.EncodeToString(m.Sum(nil)), nil
}
