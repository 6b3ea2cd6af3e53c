package bridge

import (
	"sort"
	"sync"
)

// Store maps call ids to live bridges. It is the only record of which calls
// are bridged.
type Store interface {
	Get(callID string) (*Bridge, bool)
	// PutIfAbsent stores b unless a bridge for callID already exists
	PutIfAbsent(callID string, b *Bridge) bool
	// Delete removes and returns the bridge; only one caller ever gets ok=true
	Delete(callID string) (*Bridge, bool)
	// CompareAndDelete removes callID only while it still maps to b
	CompareAndDelete(callID string, b *Bridge) bool
	List() []*Bridge
	Len() int
}

// MemoryStore is a Store backed by a map
type MemoryStore struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bridges: make(map[string]*Bridge)}
}

func (s *MemoryStore) Get(callID string) (*Bridge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bridges[callID]
	return b, ok
}

func (s *MemoryStore) PutIfAbsent(callID string, b *Bridge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bridges[callID]; exists {
		return false
	}
	s.bridges[callID] = b
	return true
}

func (s *MemoryStore) Delete(callID string) (*Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[callID]
	if ok {
		delete(s.bridges, callID)
	}
	return b, ok
}

func (s *MemoryStore) CompareAndDelete(callID string, b *Bridge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.bridges[callID]; !ok || current != b {
		return false
	}
	delete(s.bridges, callID)
	return true
}

// List returns the bridges ordered by start time
func (s *MemoryStore) List() []*Bridge {
	s.mu.RLock()
	out := make([]*Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		out = append(out, b)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].startTime.Before(out[j].startTime)
	})
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bridges)
}
