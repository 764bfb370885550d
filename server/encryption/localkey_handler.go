// Package encryption seals persistent objects at rest. Each handler holds a
// random data encryption key (DEK) that encrypts contents with AES-GCM; the
// DEK itself is stored next to the data, wrapped with a master key using
// AES key wrap with padding.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"os"
	"sync"

	"github.com/google/tink/go/kwp/subtle"
	"github.com/pkg/errors"
)

const (
	// DataKeyLength is the DEK length in bytes, selecting AES-256.
	DataKeyLength = 32

	// MasterKeyEnv names the environment variable holding the master key.
	MasterKeyEnv = "OCRAMD_ENCRYPTION_KEY"
)

// ErrMalformed is returned by Read for data that was not produced by Seal.
var ErrMalformed = errors.New("malformed sealed data")

// LocalEncryptionHandler seals data with a DEK wrapped by a locally supplied
// master key.
type LocalEncryptionHandler struct {
	mu         sync.Mutex
	defaultDEK []byte
	keyWrapper *subtle.KWP
}

// NewLocalEncryptionHandler returns a handler whose master key is read from
// MasterKeyEnv. The master key must be 16 or 32 bytes.
func NewLocalEncryptionHandler() (*LocalEncryptionHandler, error) {
	return NewLocalEncryptionHandlerWithKey([]byte(os.Getenv(MasterKeyEnv)))
}

// NewLocalEncryptionHandlerWithKey returns a handler using masterKey.
func NewLocalEncryptionHandlerWithKey(masterKey []byte) (*LocalEncryptionHandler, error) {
	kwp, err := subtle.NewKWP(masterKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid master key")
	}
	return &LocalEncryptionHandler{keyWrapper: kwp}, nil
}

func (h *LocalEncryptionHandler) generateDEK() ([]byte, error) {
	key := make([]byte, DataKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (h *LocalEncryptionHandler) wrapDEK(dek []byte) ([]byte, error) {
	return h.keyWrapper.Wrap(dek)
}

func (h *LocalEncryptionHandler) unwrapDEK(wrapped []byte) ([]byte, error) {
	return h.keyWrapper.Unwrap(wrapped)
}

func newGCM(dek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// encryptData returns nonce | ciphertext.
func (h *LocalEncryptionHandler) encryptData(dek, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (h *LocalEncryptionHandler) decryptData(dek, data []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Seal encrypts data. The result is laid out as
//
//	| wrapped key size (1 byte) | wrapped key | nonce | ciphertext |
func (h *LocalEncryptionHandler) Seal(data []byte) ([]byte, error) {
	h.mu.Lock()
	if h.defaultDEK == nil {
		dek, err := h.generateDEK()
		if err != nil {
			h.mu.Unlock()
			return nil, errors.Wrap(err, "failed to generate data key")
		}
		h.defaultDEK = dek
	}
	dek := h.defaultDEK
	h.mu.Unlock()

	ciphertext, err := h.encryptData(dek, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt data")
	}
	wrapped, err := h.wrapDEK(dek)
	if err != nil {
		return nil, errors.Wrap(err, "failed to wrap data key")
	}
	if len(wrapped) > 0xFF {
		return nil, errors.New("wrapped data key too long")
	}

	out := make([]byte, 0, 1+len(wrapped)+len(ciphertext))
	out = append(out, byte(len(wrapped)))
	out = append(out, wrapped...)
	return append(out, ciphertext...), nil
}

// Read reverses Seal.
func (h *LocalEncryptionHandler) Read(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, ErrMalformed
	}
	keyEnd := int(data[0]) + 1
	if len(data) < keyEnd {
		return nil, ErrMalformed
	}
	dek, err := h.unwrapDEK(data[1:keyEnd])
	if err != nil {
		return nil, errors.Wrap(err, "failed to unwrap data key")
	}
	plaintext, err := h.decryptData(dek, data[keyEnd:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt data")
	}
	return plaintext, nil
}
