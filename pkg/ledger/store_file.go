package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileStore persists blocks as one JSON record per line. Every append is
// flushed and fsynced before it is acknowledged, so a block the ledger
// reports as sealed survives a crash.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileStore opens (or creates) the block file at path.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open block file: %w", err)
	}
	return &FileStore{path: path, file: f}, nil
}

// Append writes the block record and forces it to stable storage.
func (s *FileStore) Append(ctx context.Context, b Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", b.Index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write block %d: %w", b.Index, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync block %d: %w", b.Index, err)
	}
	return nil
}

// Load reads all persisted blocks in order. Any unparseable line reports
// ErrMalformed so the ledger can fail closed.
func (s *FileStore) Load(ctx context.Context) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open block file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var blocks []Block
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var b Block
		if err := json.Unmarshal(scanner.Bytes(), &b); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		blocks = append(blocks, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan block file: %w", err)
	}
	return blocks, nil
}

// Reset truncates the block file.
func (s *FileStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close block file: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("truncate block file: %w", err)
	}
	s.file = f
	return nil
}

// Close releases the file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
