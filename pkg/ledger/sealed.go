package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCorrupt is returned by Append once corruption has been detected.
// Corruption is sticky: the ledger fails closed until explicitly Reset.
var ErrCorrupt = errors.New("ledger: corrupt")

// ErrMalformed marks unparseable persisted data found by a store at load.
var ErrMalformed = errors.New("ledger: malformed persisted data")

// BlockStore persists blocks durably. Append must flush to stable storage
// before returning.
type BlockStore interface {
	Append(ctx context.Context, b Block) error
	Load(ctx context.Context) ([]Block, error)
	Reset(ctx context.Context) error
	Close() error
}

// Sealed is the append-only, hash-chained, HMAC-sealed ledger.
//
// The current signing key is exclusively owned by the ledger and is used for
// nothing but sealing the next block; archived generations are held only for
// verification. Appends are serialized so indices stay contiguous and the
// chain links correctly under concurrent writers.
type Sealed struct {
	mu         sync.RWMutex
	blocks     []Block
	genesisKey []byte
	currentKey []byte
	keyHistory [][]byte
	store      BlockStore
	clock      func() time.Time
	logger     *slog.Logger
	corrupt    bool
}

// SealedOption configures a Sealed ledger.
type SealedOption func(*Sealed)

// WithStore attaches a durable block store. Existing blocks are loaded and
// the key history is rebuilt by replaying the ratchet once per block.
func WithStore(s BlockStore) SealedOption {
	return func(l *Sealed) { l.store = s }
}

// WithClock overrides the timestamp source for testing.
func WithClock(clock func() time.Time) SealedOption {
	return func(l *Sealed) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) SealedOption {
	return func(l *Sealed) { l.logger = lg }
}

// Open creates a Sealed ledger signing with the given original key.
//
// genesisKey must be the key the ledger was first created with; with any
// later generation the rebuilt history will not match and verification of
// historical blocks fails (that is the forward-security property working as
// intended).
func Open(ctx context.Context, genesisKey []byte, opts ...SealedOption) (*Sealed, error) {
	if len(genesisKey) == 0 {
		return nil, fmt.Errorf("ledger: empty genesis key")
	}
	k0 := make([]byte, len(genesisKey))
	copy(k0, genesisKey)

	l := &Sealed{
		genesisKey: k0,
		currentKey: k0,
		keyHistory: [][]byte{k0},
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.store != nil {
		blocks, err := l.store.Load(ctx)
		if errors.Is(err, ErrMalformed) {
			l.corrupt = true
			l.logger.Error("ledger load found malformed data; appends disabled", "error", err)
			return l, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: load: %w", err)
		}
		for i, b := range blocks {
			if b.Index != uint64(i) {
				l.corrupt = true
				l.logger.Error("ledger load found non-contiguous block index; appends disabled",
					"expected", i, "got", b.Index)
				return l, nil
			}
		}
		l.blocks = blocks
		// One key generation per persisted block: replay the ratchet forward.
		for i := 1; i <= len(blocks); i++ {
			l.currentKey = ratchet(l.currentKey)
			l.keyHistory = append(l.keyHistory, l.currentKey)
		}
	}
	return l, nil
}

// Append seals entry into a new block, durably persists it, and returns the
// block's hash. If rotate is true (the persisted-ledger discipline), the
// current key is archived and ratcheted afterwards.
//
// Persistence failure is a hard error: the caller must not treat the entry
// as sealed.
func (l *Sealed) Append(ctx context.Context, entry any, rotate bool) (string, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.corrupt {
		return "", fmt.Errorf("ledger: append refused: %w", ErrCorrupt)
	}

	prevHash := GenesisHash
	if n := len(l.blocks); n > 0 {
		prevHash, err = l.blocks[n-1].Hash()
		if err != nil {
			return "", err
		}
	}

	block := Block{
		Index:     uint64(len(l.blocks)),
		Timestamp: l.clock().UTC(),
		Entry:     raw,
		PrevHash:  prevHash,
	}
	block.MAC, err = block.mac(l.currentKey)
	if err != nil {
		return "", err
	}
	hash, err := block.Hash()
	if err != nil {
		return "", err
	}

	if l.store != nil {
		if err := l.store.Append(ctx, block); err != nil {
			return "", fmt.Errorf("ledger: durable append failed: %w", err)
		}
	}
	// The in-memory chain grows only after the block is durable.
	l.blocks = append(l.blocks, block)

	if rotate {
		l.currentKey = ratchet(l.currentKey)
		l.keyHistory = append(l.keyHistory, l.currentKey)
	}
	return hash, nil
}

// VerifyAll walks the chain and recomputes every MAC and hash link. The
// first violation is reported as "<kind> at block <index>" with kind
// mac_mismatch or chain_break. An empty ledger is trivially valid.
func (l *Sealed) VerifyAll() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := GenesisHash
	for i := range l.blocks {
		b := &l.blocks[i]

		key := l.verifyKeyLocked(i)
		expected, err := b.mac(key)
		if err != nil {
			l.corrupt = true
			return false, fmt.Sprintf("mac_mismatch at block %d: %v", i, err)
		}
		got, err := hex.DecodeString(b.MAC)
		want, err2 := hex.DecodeString(expected)
		if err != nil || err2 != nil || !hmac.Equal(got, want) {
			l.corrupt = true
			return false, fmt.Sprintf("mac_mismatch at block %d", i)
		}

		if b.PrevHash != prevHash {
			l.corrupt = true
			return false, fmt.Sprintf("chain_break at block %d", i)
		}
		prevHash, err = b.Hash()
		if err != nil {
			l.corrupt = true
			return false, fmt.Sprintf("chain_break at block %d: %v", i, err)
		}
	}
	return true, ""
}

// verifyKeyLocked returns the key generation for block i.
func (l *Sealed) verifyKeyLocked(i int) []byte {
	idx := i
	if last := len(l.keyHistory) - 1; idx > last {
		idx = last
	}
	return l.keyHistory[idx]
}

// Seal returns a checkpoint hash over the concatenation of every block hash
// plus the entry count, for out-of-band external attestation.
func (l *Sealed) Seal() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h := sha256.New()
	for i := range l.blocks {
		bh, err := l.blocks[i].Hash()
		if err != nil {
			return "", err
		}
		h.Write([]byte(bh))
	}
	fmt.Fprintf(h, "count:%d", len(l.blocks))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Len returns the number of sealed blocks.
func (l *Sealed) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Block returns a copy of the block at index i.
func (l *Sealed) Block(i int) (Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.blocks) {
		return Block{}, fmt.Errorf("ledger: block %d not found", i)
	}
	return l.blocks[i], nil
}

// Corrupt reports whether the ledger has fail-closed.
func (l *Sealed) Corrupt() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.corrupt
}

// Reset discards all blocks and key generations, truncates the store, and
// re-arms appends from the genesis key. This is the explicit manual
// intervention required after corruption.
func (l *Sealed) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Reset(ctx); err != nil {
			return fmt.Errorf("ledger: reset store: %w", err)
		}
	}
	l.blocks = nil
	l.currentKey = l.genesisKey
	l.keyHistory = [][]byte{l.genesisKey}
	l.corrupt = false
	l.logger.Warn("ledger reset: all blocks discarded")
	return nil
}
