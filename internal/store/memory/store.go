// Package memory provides an in-memory implementation of the store
// interfaces, used in tests and single-node development setups.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/store"
)

// MemoryStore implements store.Store with in-process maps.
type MemoryStore struct {
	cases *CaseStore
	logs  *LogStore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases: &CaseStore{cases: make(map[string]*models.Case)},
		logs:  &LogStore{records: make(map[string][]*models.LogRecord)},
	}
}

// Cases returns the CaseStore.
func (s *MemoryStore) Cases() store.CaseStore {
	return s.cases
}

// Logs returns the LogStore.
func (s *MemoryStore) Logs() store.LogStore {
	return s.logs
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// CaseStore implements store.CaseStore with a map guarded by a mutex.
type CaseStore struct {
	mu    sync.RWMutex
	cases map[string]*models.Case
}

func (s *CaseStore) Create(ctx context.Context, c *models.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = cloneCase(c)
	return nil
}

func (s *CaseStore) Get(ctx context.Context, id string) (*models.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCase(c), nil
}

func (s *CaseStore) List(ctx context.Context) ([]*models.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, cloneCase(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *CaseStore) ListByStatus(ctx context.Context, status models.CaseStatus) ([]*models.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Case
	for _, c := range s.cases {
		if c.Status == status {
			out = append(out, cloneCase(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *CaseStore) Update(ctx context.Context, c *models.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; !ok {
		return store.ErrNotFound
	}
	s.cases[c.ID] = cloneCase(c)
	return nil
}

// cloneCase copies a case so callers cannot mutate stored state.
func cloneCase(c *models.Case) *models.Case {
	cp := *c
	if c.EnvKeys != nil {
		cp.EnvKeys = append([]string(nil), c.EnvKeys...)
	}
	if c.Preflight != nil {
		pf := *c.Preflight
		cp.Preflight = &pf
	}
	return &cp
}

// LogStore implements store.LogStore with per-case slices.
type LogStore struct {
	mu      sync.RWMutex
	records map[string][]*models.LogRecord
}

func (s *LogStore) Create(ctx context.Context, rec *models.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.CaseID] = append(s.records[rec.CaseID], &cp)
	return nil
}

func (s *LogStore) List(ctx context.Context, caseID string, limit int) ([]*models.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterRecords(s.records[caseID], "", limit), nil
}

func (s *LogStore) ListByStream(ctx context.Context, caseID, stream string, limit int) ([]*models.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterRecords(s.records[caseID], stream, limit), nil
}

func (s *LogStore) DeleteByCase(ctx context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, caseID)
	return nil
}

func filterRecords(recs []*models.LogRecord, stream string, limit int) []*models.LogRecord {
	var out []*models.LogRecord
	for _, r := range recs {
		if stream != "" && r.Stream != stream {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
