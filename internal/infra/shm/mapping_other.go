//go:build !unix

package shm

import "errors"

// ErrUnsupported is returned where memory mapping is not available.
var ErrUnsupported = errors.New("shm: mapping not supported on this platform")

// Mapping is a read/write view of a segment shared with other processes.
type Mapping struct {
	Name string
	Data []byte
}

// Map is unavailable on this platform.
func (a *Allocator) Map(name string) (*Mapping, error) {
	if _, err := a.path(name); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

// Close is a no-op.
func (m *Mapping) Close() error { return nil }
