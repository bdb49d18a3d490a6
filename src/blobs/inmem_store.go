package blobs

import (
	"sync"
)

// InmemStore implements the Store interface with a plain map. It is used in
// tests and by nodes that do not configure a database directory.
type InmemStore struct {
	sync.RWMutex
	blobs map[string][]byte
}

// NewInmemStore creates an empty in-memory blob store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		blobs: make(map[string][]byte),
	}
}

// Put implements the Store interface.
func (s *InmemStore) Put(data []byte) (string, error) {
	digest := Digest(data)

	s.Lock()
	defer s.Unlock()

	if _, ok := s.blobs[digest]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[digest] = cp
	}

	return digest, nil
}

// Get implements the Store interface.
func (s *InmemStore) Get(digest string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	data, ok := s.blobs[digest]
	if !ok {
		return nil, ErrNotFound
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Has implements the Store interface.
func (s *InmemStore) Has(digest string) (bool, error) {
	s.RLock()
	defer s.RUnlock()

	_, ok := s.blobs[digest]
	return ok, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
