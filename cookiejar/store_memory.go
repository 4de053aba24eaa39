package cookiejar

import "sync"

// memoryStore holds session cookies. Cleared implicitly on process exit.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string]record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]record)}
}

func (s *memoryStore) put(r record) {
	s.mu.Lock()
	s.data[r.key()] = r
	s.mu.Unlock()
}

func (s *memoryStore) delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

func (s *memoryStore) snapshot() []record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record, 0, len(s.data))
	for _, r := range s.data {
		out = append(out, r)
	}
	return out
}
