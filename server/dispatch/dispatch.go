// Package dispatch routes commands of a caller session to the cipher session,
// the object store and the delegated components.
package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ocram-io/ocramd/server/cipher"
	"github.com/ocram-io/ocramd/server/logger"
	"github.com/ocram-io/ocramd/server/tee"
)

// ObjectStore persists the session-independent blob.
type ObjectStore interface {
	Store(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
	Release(buf []byte)
}

// Delegator performs one delegated command on a target component.
type Delegator interface {
	Invoke(ctx context.Context, target uuid.UUID, command uint32, shape tee.ParamTypes,
		payload []byte) (int, error)
}

// Target identifies a delegated component and the command to send it.
type Target struct {
	ID      uuid.UUID
	Command uint32
}

// Config holds the collaborators of a Dispatcher.
type Config struct {
	Store      ObjectStore
	Delegate   Delegator
	LoadTarget Target
	ReadTarget Target
	Buffers    tee.BufferAllocator
	Handles    cipher.Allocator
	Logger     logger.Logger
}

// Dispatcher creates sessions sharing one set of collaborators.
type Dispatcher struct {
	config Config
}

// New returns a Dispatcher. A nil Buffers allocates from the heap without a
// limit and a nil Handles does not bound cipher handles.
func New(config Config) *Dispatcher {
	if config.Buffers == nil {
		config.Buffers = tee.NewHeapAllocator(0)
	}
	if config.Logger == nil {
		config.Logger = logger.NewLogger(0)
	}
	return &Dispatcher{config: config}
}

// NewSession returns a session with its own cipher state.
func (d *Dispatcher) NewSession() *Session {
	return &Session{
		config: &d.config,
		cipher: cipher.NewSession(d.config.Handles),
	}
}

// Session processes the commands of one caller, one at a time.
type Session struct {
	mu     sync.Mutex
	config *Config
	cipher *cipher.Session
	closed bool
}

// Invoke runs command with params. The shape is checked against the command
// before anything else happens, so a mismatch has no side effects. Output
// slots are updated in place.
func (s *Session) Invoke(ctx context.Context, command uint32, types tee.ParamTypes,
	params *tee.Params) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tee.BadState("dispatch", "session closed")
	}

	cmd := Command(command)
	expected, ok := shapes[cmd]
	if !ok {
		return tee.Unsupported("dispatch", "unknown command %d", command)
	}
	if types != expected {
		return tee.InvalidParameter(cmd.String(), "parameters %s, expected %s", types, expected)
	}
	s.config.Logger.Debugf("dispatch: %s %s", cmd, types)

	switch cmd {
	case CmdStore:
		return s.config.Store.Store(ctx, params[0].Bytes())
	case CmdLoad:
		return s.decryptAndLoad(ctx, params[0].Bytes())
	case CmdLoadStored:
		return s.loadStored(ctx)
	case CmdRead:
		return s.read(ctx, &params[0])
	case CmdAESPrepare:
		return s.cipher.Prepare(params[0].A, params[1].A, params[2].A)
	case CmdAESSetKey:
		return s.cipher.SetKey(params[0].Bytes())
	case CmdAESSetIV:
		return s.cipher.SetIV(params[0].Bytes())
	case CmdAESCipher:
		n, err := s.cipher.Update(params[1].Bytes(), params[0].Bytes())
		if err != nil {
			params[1].Size = 0
			return err
		}
		params[1].Size = uint32(n)
		return nil
	}
	return tee.Unsupported("dispatch", "unhandled command %s", cmd)
}

// decryptAndLoad decrypts ciphertext into a transient buffer and hands the
// plaintext to the load target. The buffer is freed on every path.
func (s *Session) decryptAndLoad(ctx context.Context, ciphertext []byte) error {
	plain, err := s.config.Buffers.Alloc(len(ciphertext))
	if err != nil {
		return err
	}
	defer s.config.Buffers.Free(plain)

	n, err := s.cipher.Update(plain, ciphertext)
	if err != nil {
		return err
	}
	target := s.config.LoadTarget
	s.config.Logger.Debugf("dispatch: delegating %d plaintext bytes to %s", n, target.ID)
	_, err = s.config.Delegate.Invoke(ctx, target.ID, target.Command, memrefIn, plain[:n])
	return err
}

// loadStored runs the load path on the persisted object.
func (s *Session) loadStored(ctx context.Context) error {
	data, err := s.config.Store.Load(ctx)
	if err != nil {
		return err
	}
	defer s.config.Store.Release(data)
	return s.decryptAndLoad(ctx, data)
}

// read fills p from the read target and replaces its size with the number of
// bytes the target produced.
func (s *Session) read(ctx context.Context, p *tee.Param) error {
	target := s.config.ReadTarget
	n, err := s.config.Delegate.Invoke(ctx, target.ID, target.Command, memrefOut, p.Bytes())
	if err != nil {
		return err
	}
	p.Size = uint32(n)
	return nil
}

// Cipher returns the session's cipher state.
func (s *Session) Cipher() *cipher.Session {
	return s.cipher
}

// Close releases the session's cipher handles. Further commands fail.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cipher.Close()
}
