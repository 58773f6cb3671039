package ruleset

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sync"
)

//go:embed rulesets/*.yaml
var embedded embed.FS

// Source fetches the raw bytes of a ruleset version. Implementations return
// an error wrapping ErrNotFound for unknown versions.
type Source interface {
	Fetch(ctx context.Context, version string) ([]byte, error)
}

// DirSource reads <version>.yaml (or .json) files from a filesystem.
type DirSource struct {
	fsys fs.FS
}

// NewDirSource returns a DirSource over fsys.
func NewDirSource(fsys fs.FS) *DirSource {
	return &DirSource{fsys: fsys}
}

// Embedded returns a DirSource over the rulesets compiled into the binary.
func Embedded() *DirSource {
	sub, err := fs.Sub(embedded, "rulesets")
	if err != nil {
		panic(err)
	}
	return NewDirSource(sub)
}

// Fetch implements Source.
func (d *DirSource) Fetch(_ context.Context, version string) ([]byte, error) {
	if !fs.ValidPath(version) || path.Base(version) != version {
		return nil, fmt.Errorf("invalid ruleset version %q: %w", version, ErrNotFound)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		b, err := fs.ReadFile(d.fsys, version+ext)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read ruleset %s: %w", version, err)
		}
	}
	return nil, fmt.Errorf("version %s: %w", version, ErrNotFound)
}

// MapSource serves rulesets from memory. Safe for concurrent use.
type MapSource struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMapSource returns a MapSource seeded with docs.
func NewMapSource(docs map[string][]byte) *MapSource {
	m := &MapSource{docs: make(map[string][]byte, len(docs))}
	for k, v := range docs {
		m.docs[k] = v
	}
	return m
}

// Set publishes or replaces a version.
func (m *MapSource) Set(version string, doc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[version] = doc
}

// Fetch implements Source.
func (m *MapSource) Fetch(_ context.Context, version string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.docs[version]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", version, ErrNotFound)
	}
	return b, nil
}
