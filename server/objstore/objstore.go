// Package objstore persists and retrieves the single opaque blob the trusted
// application keeps in protected storage.
package objstore

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/ocram-io/ocramd/server/storage"
	"github.com/ocram-io/ocramd/server/tee"
)

// DefaultObjectID is the identifier of the stored blob.
const DefaultObjectID = "model_data.bin"

const (
	createFlags = storage.AccessRead | storage.AccessWrite | storage.AccessWriteMeta | storage.Overwrite
	openFlags   = storage.AccessRead | storage.ShareRead
)

// Adapter stores and loads one named object through a storage driver.
type Adapter struct {
	driver  storage.Driver
	id      string
	buffers tee.BufferAllocator
}

// New returns an Adapter for the object id. An empty id selects
// DefaultObjectID; a nil buffers allocates without limit.
func New(driver storage.Driver, id string, buffers tee.BufferAllocator) *Adapter {
	if id == "" {
		id = DefaultObjectID
	}
	if buffers == nil {
		buffers = tee.NewHeapAllocator(0)
	}
	return &Adapter{driver: driver, id: id, buffers: buffers}
}

// ObjectID returns the identifier of the managed object.
func (a *Adapter) ObjectID() string {
	return a.id
}

// Store replaces the object with data. If writing or committing fails the
// object is removed rather than left partially written.
func (a *Adapter) Store(ctx context.Context, data []byte) error {
	obj, err := a.driver.Create(ctx, a.id, createFlags)
	if err != nil {
		return tee.StorageFailure("objstore.Store", errors.Wrapf(err, "failed to create %q", a.id))
	}
	if err := obj.Write(data); err != nil {
		if derr := obj.Delete(); derr != nil {
			err = errors.Wrapf(err, "delete also failed: %v", derr)
		}
		return tee.StorageFailure("objstore.Store", errors.Wrapf(err, "failed to write %q", a.id))
	}
	if err := obj.Close(); err != nil {
		a.remove(ctx)
		return tee.StorageFailure("objstore.Store", errors.Wrapf(err, "failed to commit %q", a.id))
	}
	return nil
}

// remove deletes whatever is stored under the identifier, if anything.
func (a *Adapter) remove(ctx context.Context) {
	obj, err := a.driver.Open(ctx, a.id, storage.AccessWriteMeta)
	if err != nil {
		return
	}
	_ = obj.Delete()
}

// Load returns the full contents of the object in a buffer from the adapter's
// allocator; release it with Release.
func (a *Adapter) Load(ctx context.Context) ([]byte, error) {
	obj, err := a.driver.Open(ctx, a.id, openFlags)
	if err != nil {
		if errors.Cause(err) == storage.ErrNotFound {
			return nil, tee.NotFound("objstore.Load", errors.Errorf("object %q does not exist", a.id))
		}
		return nil, tee.StorageFailure("objstore.Load", errors.Wrapf(err, "failed to open %q", a.id))
	}
	defer obj.Close()

	size := obj.Size()
	buf, err := a.buffers.Alloc(int(size))
	if err != nil {
		return nil, err
	}
	n, err := io.ReadFull(obj, buf)
	if err != nil || int64(n) != size {
		a.buffers.Free(buf)
		if err == nil || err == io.ErrUnexpectedEOF || err == io.EOF {
			err = errors.Errorf("short read: %d of %d bytes", n, size)
		}
		return nil, tee.StorageFailure("objstore.Load", errors.Wrapf(err, "failed to read %q", a.id))
	}
	return buf, nil
}

// Release returns a buffer obtained from Load.
func (a *Adapter) Release(buf []byte) {
	if buf != nil {
		a.buffers.Free(buf)
	}
}
