// Package cache provides a content-addressed cache for expensive derived
// artifacts (documentation reports, visualization packs).
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key addresses one artifact. TemplateVersion is empty for documentation
// artifacts and set for visualization artifacts.
type Key struct {
	RepoURL         string
	CommitSHA       string
	TemplateVersion string
}

// String returns the canonical key form used for single-flight grouping.
func (k Key) String() string {
	return fmt.Sprintf("%s@%s#%s", k.RepoURL, k.CommitSHA, k.TemplateVersion)
}

// Artifact is an opaque generated bundle plus generation metadata.
type Artifact struct {
	Key         Key       `json:"-"`
	Data        []byte    `json:"data"`
	ContentType string    `json:"content_type,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Generator produces an artifact for a key on cache miss.
type Generator func(ctx context.Context) (*Artifact, error)

// Cache is an in-memory content-addressed artifact cache. Entries never
// mutate once written; forced regeneration overwrites wholesale. At most
// one generation runs per key: concurrent callers for an in-flight key
// wait for its result instead of duplicating work.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Artifact
	group   singleflight.Group
	logger  *slog.Logger
}

// New creates an empty cache.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[string]*Artifact),
		logger:  logger,
	}
}

// Get returns the cached artifact for key, if present.
func (c *Cache) Get(key Key) (*Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[key.String()]
	return a, ok
}

// GetOrCreate returns the cached artifact for key, invoking gen on miss.
// The generated artifact is stored before being returned.
func (c *Cache) GetOrCreate(ctx context.Context, key Key, gen Generator) (*Artifact, error) {
	if a, ok := c.Get(key); ok {
		return a, nil
	}
	return c.generate(ctx, key, gen, false)
}

// Regenerate bypasses the hit check but still stores under the same key,
// and still guarantees a single concurrent generation per key.
func (c *Cache) Regenerate(ctx context.Context, key Key, gen Generator) (*Artifact, error) {
	return c.generate(ctx, key, gen, true)
}

func (c *Cache) generate(ctx context.Context, key Key, gen Generator, force bool) (*Artifact, error) {
	ks := key.String()
	v, err, shared := c.group.Do(ks, func() (any, error) {
		// A racing caller may have completed the generation while this
		// one waited for the group; skip for the non-forced path.
		if !force {
			if a, ok := c.Get(key); ok {
				return a, nil
			}
		}

		a, err := gen(ctx)
		if err != nil {
			return nil, err
		}
		a.Key = key
		if a.GeneratedAt.IsZero() {
			a.GeneratedAt = time.Now().UTC()
		}

		c.mu.Lock()
		c.entries[ks] = a
		c.mu.Unlock()

		c.logger.Debug("artifact generated",
			"repo_url", key.RepoURL,
			"commit_sha", key.CommitSHA,
			"template_version", key.TemplateVersion,
		)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	_ = shared
	return v.(*Artifact), nil
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
