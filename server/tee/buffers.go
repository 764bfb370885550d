package tee

import "github.com/pkg/errors"

// BufferAllocator hands out transient buffers. Every buffer returned by Alloc
// must be passed to Free exactly once.
type BufferAllocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

// HeapAllocator allocates from the Go heap, refusing requests above a limit.
// Freed buffers are zeroed.
type HeapAllocator struct {
	max int
}

// NewHeapAllocator returns a HeapAllocator. A max of zero or less means no
// limit.
func NewHeapAllocator(max int) *HeapAllocator {
	return &HeapAllocator{max: max}
}

func (h *HeapAllocator) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, AllocationFailure("alloc", errors.Errorf("negative size %d", n))
	}
	if h.max > 0 && n > h.max {
		return nil, AllocationFailure("alloc", errors.Errorf("%d bytes exceeds limit of %d", n, h.max))
	}
	return make([]byte, n), nil
}

func (h *HeapAllocator) Free(b []byte) {
	b = b[:cap(b)]
	for i := range b {
		b[i] = 0
	}
}
