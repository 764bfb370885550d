package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"

	atomic_file "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// FileBackend stores each object as a file in a directory. Files are replaced
// atomically on commit.
type FileBackend struct {
	dir string
}

// NewFileBackend returns a FileBackend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}
	return &FileBackend{dir: dir}, nil
}

// path hex-encodes the key so any identifier maps to a single file name.
func (f *FileBackend) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+".obj")
}

func (f *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	return atomic_file.WriteFile(f.path(key), bytes.NewReader(data))
}

func (f *FileBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileBackend) Close() error {
	return nil
}
