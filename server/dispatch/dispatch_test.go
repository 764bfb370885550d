package dispatch

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ocram-io/ocramd/server/cipher"
	"github.com/ocram-io/ocramd/server/delegate"
	"github.com/ocram-io/ocramd/server/objstore"
	"github.com/ocram-io/ocramd/server/region"
	"github.com/ocram-io/ocramd/server/storage"
	"github.com/ocram-io/ocramd/server/tee"
)

var (
	nistKey       = mustHex("2b7e151628aed2a6abf7158809cf4f3c")
	nistIV        = mustHex("000102030405060708090a0b0c0d0e0f")
	nistPlaintext = mustHex("6bc1bee22e409f96e93d7e117393172a")
	nistCBCCipher = mustHex("7649abac8119b246cee98e9b12e9197d")
	nistECBCipher = mustHex("3ad77bb40d7a3660a89ecaf32466ef97")
	loadTarget    = uuid.MustParse("d9e00de1-950b-4eb8-b7d1-6b32deec1857")
	readTarget    = uuid.MustParse("fa152bfd-7c9e-4c33-b8ac-7f5c2b644992")
	valueInShape  = tee.Types(tee.ParamValueInput, tee.ParamValueInput, tee.ParamValueInput, tee.ParamNone)
	cipherShape   = tee.Types(tee.ParamMemrefInput, tee.ParamMemrefOutput, tee.ParamNone, tee.ParamNone)
	noParamsShape = tee.Types(tee.ParamNone, tee.ParamNone, tee.ParamNone, tee.ParamNone)
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// countingBuffers tracks buffers handed out and returned.
type countingBuffers struct {
	tee.BufferAllocator
	mu        sync.Mutex
	allocated int
	freed     int
}

func (c *countingBuffers) Alloc(n int) ([]byte, error) {
	b, err := c.BufferAllocator.Alloc(n)
	if err == nil {
		c.mu.Lock()
		c.allocated++
		c.mu.Unlock()
	}
	return b, err
}

func (c *countingBuffers) Free(b []byte) {
	c.mu.Lock()
	c.freed++
	c.mu.Unlock()
	c.BufferAllocator.Free(b)
}

// failingDelegator fails every delegation with a far-side result.
type failingDelegator struct {
	calls int
}

func (f *failingDelegator) Invoke(ctx context.Context, target uuid.UUID, command uint32,
	shape tee.ParamTypes, payload []byte) (int, error) {

	f.calls++
	return 0, tee.DelegationFailure("invoke", tee.ErrTargetDead, tee.OriginTEE, nil)
}

type fixture struct {
	dispatcher *Dispatcher
	buffers    *countingBuffers
	handles    *cipher.HandleTable
	store      *objstore.Adapter
	region     *region.Region
}

func newFixture(t *testing.T, delegator Delegator) *fixture {
	r, err := region.Open("", 4096)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	if delegator == nil {
		local := delegate.NewLocal()
		local.Register(loadTarget, region.NewLoader(r))
		local.Register(readTarget, region.NewReader(r, region.DefaultMaxRead))
		delegator = delegate.NewInvoker(local, nil)
	}

	f := &fixture{
		buffers: &countingBuffers{BufferAllocator: tee.NewHeapAllocator(0)},
		handles: cipher.NewHandleTable(0),
		store:   objstore.New(storage.NewDriver(storage.NewMemoryBackend()), "", nil),
		region:  r,
	}
	f.dispatcher = New(Config{
		Store:      f.store,
		Delegate:   delegator,
		LoadTarget: Target{ID: loadTarget},
		ReadTarget: Target{ID: readTarget},
		Buffers:    f.buffers,
		Handles:    f.handles,
	})
	return f
}

func memref(data []byte) tee.Params {
	var params tee.Params
	params[0] = tee.Param{Buffer: data, Size: uint32(len(data))}
	return params
}

func values(a0, a1, a2 uint32) tee.Params {
	var params tee.Params
	params[0].A, params[1].A, params[2].A = a0, a1, a2
	return params
}

func invoke(s *Session, cmd Command, types tee.ParamTypes, params tee.Params) (tee.Params, error) {
	err := s.Invoke(context.Background(), uint32(cmd), types, &params)
	return params, err
}

func keyed(t *testing.T, s *Session, algo cipher.Algorithm, mode cipher.Mode) {
	_, err := invoke(s, CmdAESPrepare, valueInShape, values(uint32(algo), cipher.KeySize128, uint32(mode)))
	require.NoError(t, err)
	_, err = invoke(s, CmdAESSetKey, memrefIn, memref(nistKey))
	require.NoError(t, err)
	_, err = invoke(s, CmdAESSetIV, memrefIn, memref(nistIV))
	require.NoError(t, err)
}

// Ensure ciphertext is decrypted, delegated to the load target and can be read
// back through the read target.
func TestLoadThenRead(t *testing.T) {
	f := newFixture(t, nil)
	s := f.dispatcher.NewSession()
	defer s.Close()
	keyed(t, s, cipher.AlgoCBC, cipher.ModeDecrypt)

	_, err := invoke(s, CmdLoad, memrefIn, memref(nistCBCCipher))
	require.NoError(t, err)
	require.Equal(t, 1, f.buffers.allocated)
	require.Equal(t, 1, f.buffers.freed)

	params, err := invoke(s, CmdRead, memrefOut, memref(make([]byte, 128)))
	require.NoError(t, err)
	require.Equal(t, uint32(len(nistPlaintext)), params[0].Size)
	require.Equal(t, nistPlaintext, params[0].Bytes())
}

// Ensure the persisted object can be run through the load path.
func TestLoadStored(t *testing.T) {
	f := newFixture(t, nil)
	s := f.dispatcher.NewSession()
	defer s.Close()

	_, err := invoke(s, CmdLoadStored, noParamsShape, tee.Params{})
	require.True(t, tee.Is(err, tee.KindNotFound))

	_, err = invoke(s, CmdStore, memrefIn, memref(nistCBCCipher))
	require.NoError(t, err)
	keyed(t, s, cipher.AlgoCBC, cipher.ModeDecrypt)
	_, err = invoke(s, CmdLoadStored, noParamsShape, tee.Params{})
	require.NoError(t, err)

	out := make([]byte, 16)
	n, err := f.region.Read(out)
	require.NoError(t, err)
	require.Equal(t, nistPlaintext, out[:n])
	require.Equal(t, f.buffers.allocated, f.buffers.freed)
}

// Ensure a shape mismatch is rejected before the command has any effect.
func TestShapeMismatchHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	s := f.dispatcher.NewSession()
	defer s.Close()

	_, err := invoke(s, CmdStore, memrefOut, memref([]byte("blob")))
	require.True(t, tee.Is(err, tee.KindInvalidParameter))
	_, err = f.store.Load(context.Background())
	require.True(t, tee.Is(err, tee.KindNotFound))

	_, err = invoke(s, CmdAESPrepare, memrefIn, memref([]byte{0}))
	require.True(t, tee.Is(err, tee.KindInvalidParameter))
	require.Equal(t, cipher.StateUnprepared, s.Cipher().State())
	require.Zero(t, f.handles.InUse())
}

// Ensure unknown command ids are unsupported.
func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, nil)
	s := f.dispatcher.NewSession()
	defer s.Close()

	_, err := invoke(s, Command(42), memrefIn, memref([]byte("x")))
	require.True(t, tee.Is(err, tee.KindUnsupported))
	result, origin := tee.ResultOf(err)
	require.Equal(t, tee.ErrNotSupported, result)
	require.Equal(t, tee.OriginTrustedApp, origin)
}

// Ensure the plaintext buffer is freed when decryption or delegation fails.
func TestLoadFreesBufferOnFailure(t *testing.T) {
	delegator := &failingDelegator{}
	f := newFixture(t, delegator)
	s := f.dispatcher.NewSession()
	defer s.Close()

	_, err := invoke(s, CmdLoad, memrefIn, memref(nistCBCCipher))
	require.True(t, tee.Is(err, tee.KindBadState))
	require.Zero(t, delegator.calls)

	keyed(t, s, cipher.AlgoCBC, cipher.ModeDecrypt)
	_, err = invoke(s, CmdLoad, memrefIn, memref(nistCBCCipher))
	require.True(t, tee.Is(err, tee.KindDelegationFailure))
	result, origin := tee.ResultOf(err)
	require.Equal(t, tee.ErrTargetDead, result)
	require.Equal(t, tee.OriginTEE, origin)

	require.Equal(t, 2, f.buffers.allocated)
	require.Equal(t, 2, f.buffers.freed)
}

// Ensure an allocation limit on plaintext buffers surfaces as an allocation
// failure.
func TestLoadAllocationLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.config.Buffers = tee.NewHeapAllocator(8)
	s := f.dispatcher.NewSession()
	defer s.Close()
	keyed(t, s, cipher.AlgoCBC, cipher.ModeDecrypt)

	_, err := invoke(s, CmdLoad, memrefIn, memref(nistCBCCipher))
	require.True(t, tee.Is(err, tee.KindAllocationFailure))
}

// Ensure AES_CIPHER writes the output and reports its size.
func TestCipherCommand(t *testing.T) {
	f := newFixture(t, nil)
	s := f.dispatcher.NewSession()
	defer s.Close()
	keyed(t, s, cipher.AlgoECB, cipher.ModeEncrypt)

	var params tee.Params
	params[0] = tee.Param{Buffer: nistPlaintext, Size: uint32(len(nistPlaintext))}
	params[1] = tee.Param{Buffer: make([]byte, 32), Size: 32}
	params, err := invoke(s, CmdAESCipher, cipherShape, params)
	require.NoError(t, err)
	require.Equal(t, nistECBCipher, params[1].Bytes())

	params[1] = tee.Param{Buffer: make([]byte, 4), Size: 4}
	params, err = invoke(s, CmdAESCipher, cipherShape, params)
	require.True(t, tee.Is(err, tee.KindInvalidParameter))
	require.Zero(t, params[1].Size)
	require.Empty(t, params[1].Bytes())
}

// Ensure closing a session releases its handles and refuses later commands.
func TestCloseReleasesHandles(t *testing.T) {
	f := newFixture(t, nil)
	s := f.dispatcher.NewSession()
	keyed(t, s, cipher.AlgoCTR, cipher.ModeEncrypt)
	require.Equal(t, 2, f.handles.InUse())

	other := f.dispatcher.NewSession()
	keyed(t, other, cipher.AlgoCBC, cipher.ModeDecrypt)
	require.Equal(t, 4, f.handles.InUse())

	s.Close()
	s.Close()
	require.Equal(t, 2, f.handles.InUse())
	_, err := invoke(s, CmdAESSetIV, memrefIn, memref(nistIV))
	require.True(t, tee.Is(err, tee.KindBadState))

	other.Close()
	require.Zero(t, f.handles.InUse())
}

// Ensure every command has a declared shape.
func TestShapeTable(t *testing.T) {
	for _, cmd := range Commands() {
		_, ok := Shape(cmd)
		require.True(t, ok, cmd.String())
	}
	_, ok := Shape(Command(0))
	require.False(t, ok)
	require.Equal(t, "command(0)", Command(0).String())
}
