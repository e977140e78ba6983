package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads pack documents from the filesystem, validates them against the
// pack schema, compiles their matchers, and keeps a read-only registry of the
// result. Packs are never mutated after a successful load.
type Loader struct {
	mu       sync.RWMutex
	packs    map[string]*Pack // pack id -> pack
	env      *celEnv
	onReload func(pack *Pack)
}

// NewLoader creates an empty pack loader.
func NewLoader() (*Loader, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	return &Loader{
		packs: make(map[string]*Pack),
		env:   env,
	}, nil
}

// OnReload registers a callback invoked after a pack is loaded or replaced.
func (l *Loader) OnReload(fn func(pack *Pack)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadDir loads every .json, .yaml and .yml pack file in dir.
func (l *Loader) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("policy: read dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		if _, err := l.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("policy: load %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadFile loads a single pack document, JSON or YAML by extension.
func (l *Loader) LoadFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	yamlDoc := filepath.Ext(path) == ".yaml" || filepath.Ext(path) == ".yml"
	return l.LoadBytes(data, yamlDoc)
}

// LoadBytes validates, compiles and registers a pack document.
func (l *Loader) LoadBytes(data []byte, yamlDoc bool) (*Pack, error) {
	var doc any
	var pack Pack
	if yamlDoc {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		// Round-trip through JSON so the schema validator sees the same value
		// shapes it would for a JSON document.
		jsonData, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("canonicalize yaml: %w", err)
		}
		if err := json.Unmarshal(jsonData, &doc); err != nil {
			return nil, fmt.Errorf("canonicalize yaml: %w", err)
		}
		if err := validateDocument(doc); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("decode yaml pack: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		if err := validateDocument(doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("decode json pack: %w", err)
		}
	}

	if err := pack.compile(l.env); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if existing, ok := l.packs[pack.ID]; ok && existing.NewerThan(&pack) {
		l.mu.Unlock()
		return nil, fmt.Errorf("policy: pack %s version %s is older than loaded %s",
			pack.ID, pack.Version, existing.Version)
	}
	l.packs[pack.ID] = &pack
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		callback(&pack)
	}
	return &pack, nil
}

// Get returns a loaded pack by id.
func (l *Loader) Get(id string) (*Pack, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.packs[id]
	return p, ok
}

// All returns every loaded pack.
func (l *Loader) All() []*Pack {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Pack, 0, len(l.packs))
	for _, p := range l.packs {
		out = append(out, p)
	}
	return out
}
