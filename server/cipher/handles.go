package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"

	"github.com/ocram-io/ocramd/server/tee"
)

// BlockSize is the AES block size in bytes.
const BlockSize = aes.BlockSize

// keyObject is the transient key container bound to an operation.
type keyObject struct {
	key       []byte
	populated bool
}

func newKeyObject(size int) *keyObject {
	return &keyObject{key: make([]byte, size)}
}

func (k *keyObject) populate(key []byte) {
	copy(k.key, key)
	k.populated = true
}

func (k *keyObject) reset() {
	zero(k.key)
	k.populated = false
}

// operation is a configured AES transform. It keeps the partial block of a
// block mode between updates.
type operation struct {
	algo        Algorithm
	mode        Mode
	block       stdcipher.Block
	blocks      stdcipher.BlockMode
	stream      stdcipher.Stream
	pending     []byte
	initialized bool
}

func (o *operation) setKey(k *keyObject) error {
	if !k.populated {
		return tee.BadState("cipher.setKey", "key object not populated")
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return tee.InvalidParameter("cipher.setKey", "%v", err)
	}
	o.reset()
	o.block = block
	return nil
}

// reset drops stream state; the operation needs a new IV before use.
func (o *operation) reset() {
	o.blocks = nil
	o.stream = nil
	zero(o.pending)
	o.pending = o.pending[:0]
	o.initialized = false
}

func (o *operation) init(iv []byte) error {
	if o.block == nil {
		return tee.BadState("cipher.init", "no key bound")
	}
	if o.algo != AlgoECB && len(iv) != BlockSize {
		return tee.InvalidParameter("cipher.init", "iv must be %d bytes, got %d", BlockSize, len(iv))
	}
	o.reset()
	switch o.algo {
	case AlgoECB:
		o.blocks = newECB(o.block, o.mode == ModeEncrypt)
	case AlgoCBC:
		if o.mode == ModeEncrypt {
			o.blocks = stdcipher.NewCBCEncrypter(o.block, iv)
		} else {
			o.blocks = stdcipher.NewCBCDecrypter(o.block, iv)
		}
	case AlgoCTR:
		o.stream = stdcipher.NewCTR(o.block, iv)
	}
	o.initialized = true
	return nil
}

// update transforms src into dst and returns the number of bytes written.
// Block modes only emit whole blocks and keep the remainder for the next call.
func (o *operation) update(dst, src []byte) (int, error) {
	if !o.initialized {
		return 0, tee.BadState("cipher.update", "operation not initialized")
	}
	if o.stream != nil {
		o.stream.XORKeyStream(dst[:len(src)], src)
		return len(src), nil
	}
	n := (len(o.pending) + len(src)) / BlockSize * BlockSize
	if n > len(dst) {
		return 0, tee.ShortBuffer("cipher.update", n, len(dst))
	}
	o.pending = append(o.pending, src...)
	if n > 0 {
		o.blocks.CryptBlocks(dst[:n], o.pending[:n])
		rest := copy(o.pending, o.pending[n:])
		zero(o.pending[rest:])
		o.pending = o.pending[:rest]
	}
	return n, nil
}

func (o *operation) free() {
	o.reset()
	o.block = nil
}

// handles is the operation and its key object as one resource. Both are
// allocated or neither is, and both are released together.
type handles struct {
	alloc Allocator
	op    *operation
	key   *keyObject
}

func allocHandles(alloc Allocator, algo Algorithm, mode Mode, keySize int) (*handles, error) {
	if err := alloc.Acquire(); err != nil {
		return nil, tee.AllocationFailure("cipher.allocOperation", err)
	}
	if err := alloc.Acquire(); err != nil {
		alloc.Release()
		return nil, tee.AllocationFailure("cipher.allocKey", err)
	}
	return &handles{
		alloc: alloc,
		op:    &operation{algo: algo, mode: mode},
		key:   newKeyObject(keySize),
	}, nil
}

func (h *handles) free() {
	h.key.reset()
	h.op.free()
	h.alloc.Release()
	h.alloc.Release()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ecb is an unchained BlockMode.
type ecb struct {
	b       stdcipher.Block
	encrypt bool
}

func newECB(b stdcipher.Block, encrypt bool) stdcipher.BlockMode {
	return &ecb{b: b, encrypt: encrypt}
}

func (x *ecb) BlockSize() int { return x.b.BlockSize() }

func (x *ecb) CryptBlocks(dst, src []byte) {
	bs := x.b.BlockSize()
	if len(src)%bs != 0 {
		panic("cipher: input not full blocks")
	}
	if len(dst) < len(src) {
		panic("cipher: output smaller than input")
	}
	for len(src) > 0 {
		if x.encrypt {
			x.b.Encrypt(dst, src[:bs])
		} else {
			x.b.Decrypt(dst, src[:bs])
		}
		src = src[bs:]
		dst = dst[bs:]
	}
}
