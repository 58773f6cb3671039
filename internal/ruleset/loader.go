package ruleset

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/go-core/log"
)

// Loader parses, validates and caches rulesets from a Source.
type Loader struct {
	source Source
	cache  *Cache
	group  singleflight.Group
	logger log.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithCache replaces the default cache.
func WithCache(c *Cache) LoaderOption {
	return func(l *Loader) { l.cache = c }
}

// NewLoader creates a Loader reading from src.
func NewLoader(src Source, logger log.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = log.Nop()
	}
	l := &Loader{source: src, logger: logger}
	for _, o := range opts {
		o(l)
	}
	if l.cache == nil {
		l.cache = NewCache(DefaultCacheSize)
	}
	return l
}

// LoadRuleset returns the ruleset for version. Concurrent loads of the same
// uncached version share one fetch. The result is a private copy.
func (l *Loader) LoadRuleset(ctx context.Context, version string) (*Ruleset, error) {
	if version == "" {
		return nil, fmt.Errorf("empty version: %w", ErrNotFound)
	}
	if rs, ok := l.cache.Get(version); ok {
		return rs, nil
	}

	v, err, _ := l.group.Do(version, func() (any, error) {
		if rs, ok := l.cache.Get(version); ok {
			return rs, nil
		}
		raw, err := l.source.Fetch(ctx, version)
		if err != nil {
			return nil, err
		}
		rs, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("ruleset %s: %w", version, err)
		}
		if rs.Version != version {
			return nil, fmt.Errorf("ruleset %s declares version %q", version, rs.Version)
		}
		hash, replaced, err := l.cache.Put(rs)
		if err != nil {
			return nil, fmt.Errorf("hash ruleset %s: %w", version, err)
		}
		l.logger.Info(ctx, "ruleset loaded",
			"version", version,
			"rules", len(rs.Rules),
			"content_hash", hash,
			"replaced", replaced,
		)
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ruleset).Clone(), nil
}

// Invalidate drops a cached version so the next load refetches it.
func (l *Loader) Invalidate(version string) bool {
	return l.cache.Evict(version)
}

// ContentHash returns the hash of a cached version's content.
func (l *Loader) ContentHash(version string) (string, bool) {
	return l.cache.Hash(version)
}

// Parse decodes and validates a YAML (or JSON) ruleset document.
func Parse(raw []byte) (*Ruleset, error) {
	var rs Ruleset
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, errors.Join(errors.New("invalid ruleset"), err)
	}
	return &rs, nil
}
