//go:build unix

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a read/write view of a segment shared with other processes.
type Mapping struct {
	Name string
	Data []byte
}

// Map opens the named segment and maps its full length read/write.
func (a *Allocator) Map(name string) (*Mapping, error) {
	path, err := a.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm stat %s: %w", name, err)
	}
	if info.Size() == 0 {
		return &Mapping{Name: name}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm mmap %s: %w", name, err)
	}
	return &Mapping{Name: name, Data: data}, nil
}

// Close unmaps the view. It is safe to call more than once.
func (m *Mapping) Close() error {
	if m == nil || m.Data == nil {
		return nil
	}
	data := m.Data
	m.Data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("shm munmap %s: %w", m.Name, err)
	}
	return nil
}
