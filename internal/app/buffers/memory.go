package buffers

import (
	"errors"
	"sync"
)

// ErrSegmentExists is returned by MemorySegments when a name is reused.
var ErrSegmentExists = errors.New("segment already exists")

// MemorySegments keeps segments as heap byte slices. It is used where no
// shared-memory filesystem is available, chiefly in tests.
type MemorySegments struct {
	mu       sync.Mutex
	segments map[string][]byte
	// CreateErr, when set, is returned by every Create call.
	CreateErr error
}

// NewMemorySegments returns an empty in-process segment store.
func NewMemorySegments() *MemorySegments {
	return &MemorySegments{segments: make(map[string][]byte)}
}

// Create allocates a zeroed segment.
func (m *MemorySegments) Create(name string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if _, ok := m.segments[name]; ok {
		return ErrSegmentExists
	}
	m.segments[name] = make([]byte, size)
	return nil
}

// Destroy drops the segment. Unknown names are ignored.
func (m *MemorySegments) Destroy(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segments, name)
	return nil
}

// Exists reports whether name is currently allocated.
func (m *MemorySegments) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.segments[name]
	return ok
}

// Count returns the number of allocated segments.
func (m *MemorySegments) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}
