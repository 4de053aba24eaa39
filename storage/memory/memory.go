// Package memory provides an in-memory storage repository, used mainly
// in tests and as the default when no disk path is configured.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/okeefe/latch/storage"
)

// Store implements storage.Repository in memory.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope // store -> kind:id -> envelope
}

var _ storage.Repository = (*Store)(nil)

func NewRepository() *Store {
	return &Store{data: make(map[string]map[string]*storage.Envelope)}
}

func (s *Store) Put(store, kind, id string, envelope *storage.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[store]
	if !ok {
		b = make(map[string]*storage.Envelope)
		s.data[store] = b
	}
	b[kind+":"+id] = envelope
	return nil
}

func (s *Store) Get(store, kind, id string) (*storage.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[store]
	if !ok {
		return nil, fmt.Errorf("%s: %w", store, storage.ErrStoreNotFound)
	}
	env, ok := b[kind+":"+id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return env, nil
}

func (s *Store) Delete(store, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.data[store]; ok {
		delete(b, kind+":"+id)
	}
	return nil
}

func (s *Store) List(store, kind string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	prefix := kind + ":"
	for k := range s.data[store] {
		if strings.HasPrefix(k, prefix) {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
	}
	return ids, nil
}
