package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
	"github.com/tjfontaine/polyglot-token-pool/internal/storage"
)

// Store is an in-memory implementation of storage.TokenStore. Records live
// as long as the process.
type Store struct {
	mu      sync.RWMutex
	records map[int]pool.TokenRecord
	closed  bool
}

var _ storage.TokenStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{records: make(map[int]pool.TokenRecord)}
}

func (s *Store) SaveToken(ctx context.Context, rec pool.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.records, id)
	return nil
}

func (s *Store) LoadTokens(ctx context.Context) ([]pool.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	out := make([]pool.TokenRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyRecord(r pool.TokenRecord) pool.TokenRecord {
	if r.Usage != nil {
		r.Usage = pool.Int64(*r.Usage)
	}
	if r.Limit != nil {
		r.Limit = pool.Int64(*r.Limit)
	}
	return r
}
