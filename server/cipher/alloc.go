package cipher

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrHandlesExhausted is returned when a HandleTable is at its limit.
var ErrHandlesExhausted = errors.New("transient handles exhausted")

// Allocator accounts for transient operation and key handles. Each successful
// Acquire must be matched by exactly one Release.
type Allocator interface {
	Acquire() error
	Release()
}

// HandleTable is an Allocator with an optional cap on handles in use. It is
// safe for concurrent use by many sessions.
type HandleTable struct {
	limit int64
	inUse int64
}

// NewHandleTable returns a HandleTable allowing at most limit handles in use.
// A limit of zero or less means unlimited.
func NewHandleTable(limit int) *HandleTable {
	return &HandleTable{limit: int64(limit)}
}

// Acquire reserves one handle.
func (h *HandleTable) Acquire() error {
	for {
		cur := atomic.LoadInt64(&h.inUse)
		if h.limit > 0 && cur >= h.limit {
			return ErrHandlesExhausted
		}
		if atomic.CompareAndSwapInt64(&h.inUse, cur, cur+1) {
			return nil
		}
	}
}

// Release returns one handle.
func (h *HandleTable) Release() {
	if atomic.AddInt64(&h.inUse, -1) < 0 {
		panic("cipher: handle released more times than acquired")
	}
}

// InUse returns the number of handles currently held.
func (h *HandleTable) InUse() int {
	return int(atomic.LoadInt64(&h.inUse))
}
