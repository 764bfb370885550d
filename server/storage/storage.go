// Package storage provides the protected-storage driver behind the object
// store: named objects that are created, written, committed, opened and read
// back whole. Writes are staged and only become visible on Close, so a reader
// never observes a partially written object.
package storage

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Flags control how an object is created or opened.
type Flags uint32

const (
	AccessRead Flags = 1 << iota
	AccessWrite
	AccessWriteMeta
	ShareRead
	ShareWrite
	Overwrite
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

var (
	// ErrNotFound is returned when opening an object that does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrExists is returned when creating an object that exists without the
	// Overwrite flag.
	ErrExists = errors.New("object already exists")

	// ErrAccess is returned for an operation the open flags do not allow.
	ErrAccess = errors.New("access denied")

	// ErrClosed is returned for operations on a closed object.
	ErrClosed = errors.New("object closed")
)

// Driver creates and opens persistent objects.
type Driver interface {
	Create(ctx context.Context, id string, flags Flags) (Object, error)
	Open(ctx context.Context, id string, flags Flags) (Object, error)
	Close() error
}

// Object is a handle on one persistent object.
type Object interface {
	// Write appends p to the staged contents.
	Write(p []byte) error
	// Read reads from the current position.
	Read(p []byte) (int, error)
	// Size returns the data size of the object.
	Size() int64
	// Close releases the handle, committing staged writes.
	Close() error
	// Delete releases the handle and removes the object.
	Delete() error
}

// Backend is a flat key/value store used as the persistence layer of a
// Driver. Put must replace the value atomically.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewDriver returns a Driver persisting objects in b.
func NewDriver(b Backend) Driver {
	return &driver{backend: b}
}

type driver struct {
	backend Backend
}

func (d *driver) Create(ctx context.Context, id string, flags Flags) (Object, error) {
	if id == "" {
		return nil, errors.New("empty object id")
	}
	if !flags.Has(Overwrite) {
		_, err := d.backend.Get(ctx, id)
		if err == nil {
			return nil, ErrExists
		}
		if errors.Cause(err) != ErrNotFound {
			return nil, err
		}
	}
	return &object{ctx: ctx, backend: d.backend, id: id, flags: flags | AccessWrite, dirty: true}, nil
}

func (d *driver) Open(ctx context.Context, id string, flags Flags) (Object, error) {
	data, err := d.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &object{ctx: ctx, backend: d.backend, id: id, flags: flags, data: data}, nil
}

func (d *driver) Close() error {
	return d.backend.Close()
}

type object struct {
	mu      sync.Mutex
	ctx     context.Context
	backend Backend
	id      string
	flags   Flags
	data    []byte
	pos     int
	dirty   bool
	closed  bool
}

func (o *object) Write(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if !o.flags.Has(AccessWrite) {
		return ErrAccess
	}
	o.data = append(o.data, p...)
	o.dirty = true
	return nil
}

func (o *object) Read(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	if !o.flags.Has(AccessRead) {
		return 0, ErrAccess
	}
	if o.pos >= len(o.data) {
		return 0, io.EOF
	}
	n := copy(p, o.data[o.pos:])
	o.pos += n
	return n, nil
}

func (o *object) Size() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int64(len(o.data))
}

func (o *object) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if !o.dirty {
		return nil
	}
	if o.data == nil {
		o.data = []byte{}
	}
	return o.backend.Put(o.ctx, o.id, o.data)
}

func (o *object) Delete() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if !o.flags.Has(AccessWriteMeta) {
		return ErrAccess
	}
	o.closed = true
	o.data = nil
	if err := o.backend.Delete(o.ctx, o.id); err != nil && errors.Cause(err) != ErrNotFound {
		return err
	}
	return nil
}
