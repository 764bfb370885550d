package storage

import (
	"context"

	"github.com/pkg/errors"
)

// Sealer encrypts committed contents and reverses it on read.
type Sealer interface {
	Seal(data []byte) ([]byte, error)
	Read(data []byte) ([]byte, error)
}

// Sealed returns a Backend that stores only sealed contents in b.
func Sealed(b Backend, sealer Sealer) Backend {
	return &sealedBackend{Backend: b, sealer: sealer}
}

type sealedBackend struct {
	Backend
	sealer Sealer
}

func (s *sealedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := s.sealer.Read(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unseal object %q", key)
	}
	return plain, nil
}

func (s *sealedBackend) Put(ctx context.Context, key string, data []byte) error {
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return errors.Wrapf(err, "failed to seal object %q", key)
	}
	return s.Backend.Put(ctx, key, sealed)
}
