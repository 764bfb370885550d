// Package region provides a restricted memory region and the two components
// that load data into it and read it back.
package region

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"

	"github.com/ocram-io/ocramd/server/tee"
)

// DefaultSize is the size of a region when none is configured.
const DefaultSize = 256 * 1024

// Region is a fixed-size memory area. It is backed by a memory-mapped file
// when opened with a path, otherwise by process memory.
type Region struct {
	mu     sync.RWMutex
	file   *os.File
	mmap   gommap.MMap
	mem    []byte
	loaded int
}

// Open returns a Region of size bytes. An empty path keeps the region in
// process memory; otherwise the file is created or resized to size and
// mapped shared.
func Open(path string, size int) (*Region, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if path == "" {
		return &Region{mem: make([]byte, size)}, nil
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open region file")
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "failed to size region file")
	}
	mmap, err := gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "mmap region failed")
	}
	return &Region{file: file, mmap: mmap, mem: mmap}, nil
}

// Size returns the capacity of the region in bytes.
func (r *Region) Size() int {
	return len(r.mem)
}

// Loaded returns the length of the data last loaded.
func (r *Region) Loaded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Load replaces the region contents with data, zeroing the remainder.
func (r *Region) Load(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return tee.BadState("load", "region closed")
	}
	if len(data) > len(r.mem) {
		return tee.ShortBuffer("load", len(data), len(r.mem))
	}
	n := copy(r.mem, data)
	for i := n; i < r.loaded; i++ {
		r.mem[i] = 0
	}
	r.loaded = n
	if r.mmap != nil {
		if err := r.mmap.Sync(gommap.MS_SYNC); err != nil {
			return tee.StorageFailure("load", errors.Wrap(err, "mmap sync failed"))
		}
	}
	return nil
}

// Read copies up to len(p) bytes of the loaded data into p.
func (r *Region) Read(p []byte) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mem == nil {
		return 0, tee.BadState("read", "region closed")
	}
	return copy(p, r.mem[:r.loaded]), nil
}

// Close zeroes and releases the region.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	for i := range r.mem[:r.loaded] {
		r.mem[i] = 0
	}
	r.mem = nil
	r.loaded = 0
	if r.mmap == nil {
		return nil
	}
	if err := r.mmap.UnsafeUnmap(); err != nil {
		r.file.Close()
		return errors.Wrap(err, "munmap region failed")
	}
	r.mmap = nil
	return r.file.Close()
}
