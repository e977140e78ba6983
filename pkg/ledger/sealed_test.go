package ledger

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Decision string `json:"decision"`
	Seq      int    `json:"seq"`
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func openLedger(t *testing.T, key []byte, opts ...SealedOption) *Sealed {
	t.Helper()
	l, err := Open(context.Background(), key, opts...)
	require.NoError(t, err)
	return l
}

func TestEmptyLedgerValid(t *testing.T) {
	l := openLedger(t, testKey(t))
	ok, msg := l.VerifyAll()
	assert.True(t, ok, msg)
	assert.Equal(t, 0, l.Len())
}

func TestAppendAndVerify(t *testing.T) {
	l := openLedger(t, testKey(t))
	ctx := context.Background()

	var hashes []string
	for i := 0; i < 5; i++ {
		h, err := l.Append(ctx, entry{Decision: "approved", Seq: i}, true)
		require.NoError(t, err)
		assert.Len(t, h, 64)
		hashes = append(hashes, h)
	}

	assert.Equal(t, 5, l.Len())
	ok, msg := l.VerifyAll()
	assert.True(t, ok, msg)

	// Indices are contiguous and the chain links block hashes.
	for i := 0; i < 5; i++ {
		b, err := l.Block(i)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), b.Index)
		if i == 0 {
			assert.Equal(t, GenesisHash, b.PrevHash)
		} else {
			assert.Equal(t, hashes[i-1], b.PrevHash)
		}
	}
}

func TestTamperedEntryDetectedAtExactIndex(t *testing.T) {
	l := openLedger(t, testKey(t))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, entry{Decision: "approved", Seq: i}, true)
		require.NoError(t, err)
	}

	// Flip one byte in block 2's entry.
	raw := []byte(l.blocks[2].Entry)
	raw[len(raw)-2] ^= 0x01
	l.blocks[2].Entry = raw

	ok, msg := l.VerifyAll()
	assert.False(t, ok)
	assert.Contains(t, msg, "mac_mismatch at block 2")
}

func TestChainBreakDetected(t *testing.T) {
	l := openLedger(t, testKey(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, entry{Seq: i}, true)
		require.NoError(t, err)
	}

	// Forge block 1 with a bogus back-link but a valid MAC for its own
	// generation, so the linkage check is what trips.
	l.blocks[1].PrevHash = strings.Repeat("0", 64)
	mac, err := l.blocks[1].mac(l.keyHistory[1])
	require.NoError(t, err)
	l.blocks[1].MAC = mac

	ok, msg := l.VerifyAll()
	assert.False(t, ok)
	assert.Contains(t, msg, "chain_break at block 1")
}

func TestCorruptionSticky(t *testing.T) {
	l := openLedger(t, testKey(t))
	ctx := context.Background()
	_, err := l.Append(ctx, entry{Seq: 0}, true)
	require.NoError(t, err)

	l.blocks[0].Entry = []byte(`{"forged":true}`)
	ok, _ := l.VerifyAll()
	require.False(t, ok)
	assert.True(t, l.Corrupt())

	_, err = l.Append(ctx, entry{Seq: 1}, true)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, l.Reset(ctx))
	assert.False(t, l.Corrupt())
	_, err = l.Append(ctx, entry{Seq: 2}, true)
	assert.NoError(t, err)
}

func TestForwardSecurity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.jsonl")
	k0 := testKey(t)
	ctx := context.Background()

	store, err := NewFileStore(path)
	require.NoError(t, err)
	l := openLedger(t, k0, WithStore(store))
	const n = 4
	for i := 0; i < n; i++ {
		_, err := l.Append(ctx, entry{Seq: i}, true)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	// An attacker who obtains the current key (k_n) cannot verify, let
	// alone forge, history: the ratchet is one-way.
	kn := k0
	for i := 0; i < n; i++ {
		kn = ratchet(kn)
	}
	store2, err := NewFileStore(path)
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()
	forged := openLedger(t, kn, WithStore(store2))
	ok, msg := forged.VerifyAll()
	assert.False(t, ok)
	assert.Contains(t, msg, "mac_mismatch at block 0")

	// The legitimate operator holding the original key rebuilds the full
	// history and verification succeeds.
	store3, err := NewFileStore(path)
	require.NoError(t, err)
	defer func() { _ = store3.Close() }()
	reopened := openLedger(t, k0, WithStore(store3))
	ok, msg = reopened.VerifyAll()
	assert.True(t, ok, msg)
	assert.Equal(t, n, reopened.Len())
}

func TestFileStoreDurableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.jsonl")
	k0 := testKey(t)
	ctx := context.Background()

	store, err := NewFileStore(path)
	require.NoError(t, err)
	l := openLedger(t, k0, WithStore(store))
	_, err = l.Append(ctx, entry{Decision: "failed", Seq: 1}, true)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := NewFileStore(path)
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()
	reopened := openLedger(t, k0, WithStore(store2))
	require.Equal(t, 1, reopened.Len())

	b, err := reopened.Block(0)
	require.NoError(t, err)
	assert.Contains(t, string(b.Entry), `"failed"`)

	// Appends continue the chain across restarts.
	_, err = reopened.Append(ctx, entry{Seq: 2}, true)
	require.NoError(t, err)
	ok, msg := reopened.VerifyAll()
	assert.True(t, ok, msg)
}

func TestFileStoreMalformedDataFailsClosed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.jsonl")
	k0 := testKey(t)
	ctx := context.Background()

	store, err := NewFileStore(path)
	require.NoError(t, err)
	l := openLedger(t, k0, WithStore(store))
	_, err = l.Append(ctx, entry{Seq: 0}, true)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, []byte("not json\n")...), 0o600))

	store2, err := NewFileStore(path)
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()
	reloaded := openLedger(t, k0, WithStore(store2))
	assert.True(t, reloaded.Corrupt())

	_, err = reloaded.Append(ctx, entry{Seq: 1}, true)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "ledger.db")
	k0 := testKey(t)
	ctx := context.Background()

	store, err := OpenSQLStore(ctx, "sqlite", dsn)
	require.NoError(t, err)
	l := openLedger(t, k0, WithStore(store))
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, entry{Seq: i}, true)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	store2, err := OpenSQLStore(ctx, "sqlite", dsn)
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()
	reopened := openLedger(t, k0, WithStore(store2))
	require.Equal(t, 3, reopened.Len())
	ok, msg := reopened.VerifyAll()
	assert.True(t, ok, msg)

	// The idx primary key refuses chain forks.
	b, err := reopened.Block(0)
	require.NoError(t, err)
	assert.Error(t, store2.Append(ctx, b))
}

func TestSealCheckpoint(t *testing.T) {
	l := openLedger(t, testKey(t))
	ctx := context.Background()

	before, err := l.Seal()
	require.NoError(t, err)

	_, err = l.Append(ctx, entry{Seq: 0}, true)
	require.NoError(t, err)
	after, err := l.Seal()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	again, err := l.Seal()
	require.NoError(t, err)
	assert.Equal(t, after, again, "seal must be deterministic for a fixed chain")
}

func TestConcurrentAppendsStayContiguous(t *testing.T) {
	l := openLedger(t, testKey(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, entry{Seq: i}, true)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 20, l.Len())
	ok, msg := l.VerifyAll()
	assert.True(t, ok, msg)
}

func TestDeriveGenesisKeyDeterministic(t *testing.T) {
	seed := []byte("provisioned seed material")
	salt := []byte("deployment-salt")

	k1, err := DeriveGenesisKey(seed, salt, "decisions")
	require.NoError(t, err)
	k2, err := DeriveGenesisKey(seed, salt, "decisions")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(k1, k2))

	other, err := DeriveGenesisKey(seed, salt, "other-ledger")
	require.NoError(t, err)
	assert.False(t, bytes.Equal(k1, other))

	_, err = DeriveGenesisKey(nil, salt, "decisions")
	assert.Error(t, err)
}
