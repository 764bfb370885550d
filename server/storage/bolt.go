package storage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// BoltBackend stores objects in one bucket of a bolt database.
type BoltBackend struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBolt opens or creates the database at path and the named bucket.
func OpenBolt(path, bucket string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bolt database")
	}
	b := &BoltBackend{db: db, bucket: []byte(bucket)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create bucket")
	}
	return b, nil
}

func (b *BoltBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte{}, v...)
		return nil
	})
	return data, err
}

func (b *BoltBackend) Put(ctx context.Context, key string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), data)
	})
}

func (b *BoltBackend) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
