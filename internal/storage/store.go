package storage

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/types/known/structpb"
)

// VersionedRecords represents the records of one partition with the version
// assigned by the store when they were last written.
type VersionedRecords struct {
	Records any
	Version uint64
}

// Store defines the interface for partition record storage.
type Store interface {
	// Get retrieves the records of a partition. Returns nil if not found.
	Get(code string) *VersionedRecords
	// Put replaces the records of a partition and returns the new version.
	Put(code string, records any) (uint64, error)
	// Codes returns the stored partition codes in sorted order.
	Codes() []string
}

// InMemoryStore is an in-memory implementation of Store.
// It's thread-safe.
type InMemoryStore struct {
	mu      sync.RWMutex
	data    map[string]*VersionedRecords
	version uint64
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]*VersionedRecords),
	}
}

// Get retrieves the records of a partition.
func (s *InMemoryStore) Get(code string) *VersionedRecords {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vr, exists := s.data[code]
	if !exists {
		return nil
	}

	// Return a copy to avoid external modifications
	records, _ := copyValue(vr.Records)
	return &VersionedRecords{
		Records: records,
		Version: vr.Version,
	}
}

// Put stores a copy of records. Values must be representable as a
// google.protobuf.Value.
func (s *InMemoryStore) Put(code string, records any) (uint64, error) {
	records, err := copyValue(records)
	if err != nil {
		return 0, fmt.Errorf("invalid records for %s: %w", code, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	s.data[code] = &VersionedRecords{
		Records: records,
		Version: s.version,
	}
	return s.version, nil
}

// Codes returns the stored partition codes in sorted order.
func (s *InMemoryStore) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := make([]string, 0, len(s.data))
	for code := range s.data {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// Load stores each member of records as the records of the partition named
// by its key.
func Load(s Store, records map[string]any) error {
	for code, v := range records {
		if _, err := s.Put(code, v); err != nil {
			return err
		}
	}
	return nil
}

// copyValue deep-copies a JSON-like value through its protobuf form.
func copyValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, err
	}
	return pv.AsInterface(), nil
}
