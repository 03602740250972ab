// Package shm creates, maps and destroys named shared-memory segments backed
// by files in a tmpfs directory such as /dev/shm.
package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDir is where POSIX shared-memory objects live on Linux.
const DefaultDir = "/dev/shm"

// ErrInvalidName is returned for names that would escape the segment directory.
var ErrInvalidName = errors.New("shm: invalid segment name")

// Allocator manages segments inside Dir.
type Allocator struct {
	Dir string
}

// NewAllocator returns an allocator rooted at dir, or DefaultDir when dir is empty.
func NewAllocator(dir string) *Allocator {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	return &Allocator{Dir: dir}
}

// Create makes a new zero-filled segment of size bytes. Existing segments are
// never reused.
func (a *Allocator) Create(name string, size int64) error {
	path, err := a.path(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("shm create %s: %w", name, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("shm truncate %s: %w", name, err)
	}
	return f.Close()
}

// Destroy unlinks the segment. Existing mappings stay valid until unmapped.
func (a *Allocator) Destroy(name string) error {
	path, err := a.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("shm destroy %s: %w", name, err)
	}
	return nil
}

// Size reports the current length of the segment.
func (a *Allocator) Size(name string) (int64, error) {
	path, err := a.path(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("shm stat %s: %w", name, err)
	}
	return info.Size(), nil
}

func (a *Allocator) path(name string) (string, error) {
	base := strings.TrimPrefix(name, "/")
	if base == "" || strings.ContainsRune(base, '/') || base == "." || base == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(a.Dir, base), nil
}
