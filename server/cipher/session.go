// Package cipher implements the per-session AES context used by the command
// dispatcher: algorithm selection, key and IV installation, and streaming
// updates over ECB, CBC and CTR without padding.
package cipher

import (
	"fmt"

	"github.com/ocram-io/ocramd/server/tee"
)

// Algorithm is the AES chaining mode, as numbered on the wire.
type Algorithm uint32

const (
	AlgoECB Algorithm = 0
	AlgoCBC Algorithm = 1
	AlgoCTR Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgoECB:
		return "AES-ECB-NOPAD"
	case AlgoCBC:
		return "AES-CBC-NOPAD"
	case AlgoCTR:
		return "AES-CTR"
	default:
		return fmt.Sprintf("algorithm(%d)", uint32(a))
	}
}

// Mode is the cipher direction, as numbered on the wire.
type Mode uint32

const (
	ModeDecrypt Mode = 0
	ModeEncrypt Mode = 1
)

func (m Mode) String() string {
	if m == ModeEncrypt {
		return "encrypt"
	}
	return "decrypt"
}

// Supported key sizes in bytes.
const (
	KeySize128 = 16
	KeySize256 = 32
)

// State is the configuration stage of a Session.
type State int

const (
	StateUnprepared State = iota
	StatePrepared
	StateKeyed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StatePrepared:
		return "prepared"
	case StateKeyed:
		return "keyed"
	case StateStreaming:
		return "streaming"
	default:
		return "unprepared"
	}
}

var unlimited = NewHandleTable(0)

// Session is the cipher state owned by one caller session. It is not safe for
// concurrent use; the dispatcher serializes commands per session.
type Session struct {
	alloc   Allocator
	algo    Algorithm
	mode    Mode
	keySize int
	h       *handles
	state   State
}

// NewSession returns an unprepared Session drawing handles from alloc. A nil
// alloc means no limit.
func NewSession(alloc Allocator) *Session {
	if alloc == nil {
		alloc = unlimited
	}
	return &Session{alloc: alloc}
}

// Prepare selects the algorithm, key size and direction, replacing any earlier
// configuration. The operation is bound to a zero placeholder key, which is
// never usable for Update: SetKey and SetIV must follow.
func (s *Session) Prepare(algorithm, keySize, mode uint32) error {
	algo := Algorithm(algorithm)
	switch algo {
	case AlgoECB, AlgoCBC, AlgoCTR:
	default:
		return tee.InvalidParameter("cipher.Prepare", "unsupported algorithm %d", algorithm)
	}
	if keySize != KeySize128 && keySize != KeySize256 {
		return tee.InvalidParameter("cipher.Prepare", "unsupported key size %d", keySize)
	}
	dir := Mode(mode)
	if dir != ModeDecrypt && dir != ModeEncrypt {
		return tee.InvalidParameter("cipher.Prepare", "unsupported mode %d", mode)
	}

	s.release()

	h, err := allocHandles(s.alloc, algo, dir, int(keySize))
	if err != nil {
		return err
	}
	h.key.populate(make([]byte, keySize))
	if err := h.op.setKey(h.key); err != nil {
		h.free()
		return err
	}

	s.h = h
	s.algo = algo
	s.mode = dir
	s.keySize = int(keySize)
	s.state = StatePrepared
	return nil
}

// SetKey installs the caller's key. The stream restarts, so SetIV is required
// again before Update.
func (s *Session) SetKey(key []byte) error {
	if s.h == nil {
		return tee.BadState("cipher.SetKey", "session not prepared")
	}
	if len(key) != s.keySize {
		return tee.InvalidParameter("cipher.SetKey", "key must be %d bytes, got %d", s.keySize, len(key))
	}
	s.h.key.reset()
	s.h.key.populate(key)
	s.h.op.reset()
	if err := s.h.op.setKey(s.h.key); err != nil {
		return err
	}
	s.state = StateKeyed
	return nil
}

// SetIV (re)starts the stream with iv. ECB ignores the IV.
func (s *Session) SetIV(iv []byte) error {
	if s.h == nil || s.state < StateKeyed {
		return tee.BadState("cipher.SetIV", "no key set")
	}
	if err := s.h.op.init(iv); err != nil {
		return err
	}
	s.state = StateStreaming
	return nil
}

// Update transforms src into dst and returns the number of bytes written. dst
// must be at least as long as src.
func (s *Session) Update(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, tee.InvalidParameter("cipher.Update", "output capacity %d below input length %d", len(dst), len(src))
	}
	if s.state != StateStreaming {
		return 0, tee.BadState("cipher.Update", "session is %s", s.state)
	}
	return s.h.op.update(dst, src)
}

// Close releases the handles. It is safe to call more than once.
func (s *Session) Close() {
	s.release()
}

func (s *Session) release() {
	if s.h != nil {
		s.h.free()
		s.h = nil
	}
	s.state = StateUnprepared
}

// State returns the configuration stage.
func (s *Session) State() State {
	return s.state
}

// Algorithm returns the prepared algorithm.
func (s *Session) Algorithm() Algorithm {
	return s.algo
}

// Mode returns the prepared direction.
func (s *Session) Mode() Mode {
	return s.mode
}

// KeySize returns the prepared key size in bytes.
func (s *Session) KeySize() int {
	return s.keySize
}
