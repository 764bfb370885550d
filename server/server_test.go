package server

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ocram-io/ocramd/server/cipher"
	"github.com/ocram-io/ocramd/server/delegate"
	"github.com/ocram-io/ocramd/server/dispatch"
	"github.com/ocram-io/ocramd/server/encryption"
	"github.com/ocram-io/ocramd/server/protocol"
	"github.com/ocram-io/ocramd/server/tee"
)

var (
	nistKey       = mustHex("2b7e151628aed2a6abf7158809cf4f3c")
	nistIV        = mustHex("000102030405060708090a0b0c0d0e0f")
	nistPlaintext = mustHex("6bc1bee22e409f96e93d7e117393172a")
	nistCBCCipher = mustHex("7649abac8119b246cee98e9b12e9197d")

	memrefIn   = tee.Types(tee.ParamMemrefInput, tee.ParamNone, tee.ParamNone, tee.ParamNone)
	memrefOut  = tee.Types(tee.ParamMemrefOutput, tee.ParamNone, tee.ParamNone, tee.ParamNone)
	valuesIn   = tee.Types(tee.ParamValueInput, tee.ParamValueInput, tee.ParamValueInput, tee.ParamNone)
	noneShape  = tee.Types(tee.ParamNone, tee.ParamNone, tee.ParamNone, tee.ParamNone)
	cipherArgs = tee.Types(tee.ParamMemrefInput, tee.ParamMemrefOutput, tee.ParamNone, tee.ParamNone)
)

func buffer(b []byte) *protocol.Param {
	return &protocol.Param{Buffer: b, Size: uint32(len(b))}
}

func capacity(n uint32) *protocol.Param {
	return &protocol.Param{Size: n}
}

// prepareCBCDecrypt keys a session for AES-128-CBC decryption with the NIST
// test key and IV.
func prepareCBCDecrypt(c *testClient, session string) {
	c.mustInvoke(session, uint32(dispatch.CmdAESPrepare), valuesIn,
		&protocol.Param{A: uint32(cipher.AlgoCBC)},
		&protocol.Param{A: cipher.KeySize128},
		&protocol.Param{A: uint32(cipher.ModeDecrypt)})
	c.mustInvoke(session, uint32(dispatch.CmdAESSetKey), memrefIn, buffer(nistKey))
	c.mustInvoke(session, uint32(dispatch.CmdAESSetIV), memrefIn, buffer(nistIV))
}

// loadAndRead decrypts the test ciphertext into the region and reads it back.
func loadAndRead(t *testing.T, c *testClient, session string) {
	c.mustInvoke(session, uint32(dispatch.CmdLoad), memrefIn, buffer(nistCBCCipher))
	resp := c.mustInvoke(session, uint32(dispatch.CmdRead), memrefOut, capacity(128))
	require.Equal(t, uint32(len(nistPlaintext)), resp.Params[0].Size)
	require.Equal(t, nistPlaintext, resp.Params[0].Buffer)
}

// Ensure a caller can decrypt a payload into the region and read it back, and
// that closing the session releases its cipher handles.
func TestServerLoadAndRead(t *testing.T) {
	s := runServerWithConfig(t, getTestConfig())
	c := newTestClient(t, s)

	session := c.open()
	prepareCBCDecrypt(c, session)
	require.Equal(t, 2, s.handles.InUse())
	loadAndRead(t, c, session)

	c.close(session)
	require.Zero(t, s.NumSessions())
	require.Zero(t, s.handles.InUse())
	require.Equal(t, int64(1), s.stats.count(dispatch.CmdLoad))
}

// Ensure AES_CIPHER returns the produced bytes and their size.
func TestServerCipher(t *testing.T) {
	s := runServerWithConfig(t, getTestConfig())
	c := newTestClient(t, s)

	session := c.open()
	prepareCBCDecrypt(c, session)
	resp := c.mustInvoke(session, uint32(dispatch.CmdAESCipher), cipherArgs,
		buffer(nistCBCCipher), capacity(32))
	require.Equal(t, uint32(16), resp.Params[1].Size)
	require.Equal(t, nistPlaintext, resp.Params[1].Buffer)
}

// Ensure failures are reported through the result and origin of the
// response.
func TestServerCommandFailures(t *testing.T) {
	s := runServerWithConfig(t, getTestConfig())
	c := newTestClient(t, s)
	session := c.open()

	// Wrong shape for STORE.
	resp, err := c.invoke(session, uint32(dispatch.CmdStore), memrefOut, capacity(4))
	require.NoError(t, err)
	require.Equal(t, uint32(tee.ErrBadParameters), resp.Result)
	require.Equal(t, uint32(tee.OriginTrustedApp), resp.Origin)

	// Unknown command.
	resp, err = c.invoke(session, 99, memrefIn, buffer([]byte("x")))
	require.NoError(t, err)
	require.Equal(t, uint32(tee.ErrNotSupported), resp.Result)

	// Cipher use before a key and IV.
	resp, err = c.invoke(session, uint32(dispatch.CmdLoad), memrefIn, buffer(nistCBCCipher))
	require.NoError(t, err)
	require.Equal(t, uint32(tee.ErrBadState), resp.Result)

	// Loading a missing object.
	resp, err = c.invoke(session, uint32(dispatch.CmdLoadStored), noneShape)
	require.NoError(t, err)
	require.Equal(t, uint32(tee.ErrItemNotFound), resp.Result)
}

// Ensure unknown sessions are reported with a NotFound status.
func TestServerUnknownSession(t *testing.T) {
	s := runServerWithConfig(t, getTestConfig())
	c := newTestClient(t, s)

	_, err := c.invoke("nope", uint32(dispatch.CmdRead), memrefOut, capacity(8))
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.client.CloseSession(context.Background(), &protocol.CloseSessionRequest{SessionId: "nope"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

// Ensure the least recently used session is closed when the table is full.
func TestServerSessionEviction(t *testing.T) {
	config := getTestConfig()
	config.MaxSessions = 1
	s := runServerWithConfig(t, config)
	c := newTestClient(t, s)

	first := c.open()
	prepareCBCDecrypt(c, first)
	second := c.open()
	prepareCBCDecrypt(c, second)

	require.Equal(t, 1, s.NumSessions())
	require.Equal(t, 2, s.handles.InUse())
	_, err := c.invoke(first, uint32(dispatch.CmdRead), memrefOut, capacity(8))
	require.Equal(t, codes.NotFound, status.Code(err))
}

// Ensure the cipher handle limit surfaces as an allocation failure.
func TestServerHandleLimit(t *testing.T) {
	config := getTestConfig()
	config.MaxCipherHandles = 2
	s := runServerWithConfig(t, config)
	c := newTestClient(t, s)

	prepareCBCDecrypt(c, c.open())
	resp, err := c.invoke(c.open(), uint32(dispatch.CmdAESPrepare), valuesIn,
		&protocol.Param{A: uint32(cipher.AlgoCTR)},
		&protocol.Param{A: cipher.KeySize256},
		&protocol.Param{A: uint32(cipher.ModeEncrypt)})
	require.NoError(t, err)
	require.Equal(t, uint32(tee.ErrOutOfMemory), resp.Result)
	require.Equal(t, 2, s.handles.InUse())
}

// Ensure a stored object survives a restart on the encrypted bolt backend and
// can be run through the load path.
func TestServerStoreLoadStoredBolt(t *testing.T) {
	dir, err := ioutil.TempDir("", "ocramd_test_")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	os.Setenv(encryption.MasterKeyEnv, "0123456789abcdef0123456789abcdef")
	defer os.Unsetenv(encryption.MasterKeyEnv)

	config := getTestConfig()
	config.Storage.Backend = storageBolt
	config.Storage.Path = dir + "/objects.db"
	config.Storage.Encryption = true

	s, err := RunServerWithConfig(config)
	require.NoError(t, err)
	c := newTestClient(t, s)
	c.mustInvoke(c.open(), uint32(dispatch.CmdStore), memrefIn, buffer(nistCBCCipher))
	require.NoError(t, s.Stop())

	s = runServerWithConfig(t, config)
	c = newTestClient(t, s)
	session := c.open()
	prepareCBCDecrypt(c, session)
	c.mustInvoke(session, uint32(dispatch.CmdLoadStored), noneShape)
	resp := c.mustInvoke(session, uint32(dispatch.CmdRead), memrefOut, capacity(128))
	require.Equal(t, nistPlaintext, resp.Params[0].Buffer)
}

// Ensure the region components can be reached over an embedded NATS server.
func TestServerNATSDelegation(t *testing.T) {
	config := getTestConfig()
	config.Delegate.Transport = transportNATS
	config.EmbeddedNATS = true
	s := runServerWithConfig(t, config)
	require.Len(t, s.responders, 2)

	c := newTestClient(t, s)
	session := c.open()
	prepareCBCDecrypt(c, session)
	loadAndRead(t, c, session)
}

// Ensure delegation to targets nobody serves reports the far-side result.
func TestServerRegionDisabled(t *testing.T) {
	config := getTestConfig()
	config.Region.Enabled = false
	s := runServerWithConfig(t, config)
	c := newTestClient(t, s)

	resp, err := c.invoke(c.open(), uint32(dispatch.CmdRead), memrefOut, capacity(8))
	require.NoError(t, err)
	require.Equal(t, uint32(tee.ErrItemNotFound), resp.Result)
	require.Equal(t, uint32(tee.OriginTEE), resp.Origin)
}

// Ensure the health service reports the API as serving.
func TestServerHealth(t *testing.T) {
	s := runServerWithConfig(t, getTestConfig())
	conn, err := grpc.NewClient(s.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: protocol.ServiceName})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

// Ensure Stop is idempotent and closes all sessions.
func TestServerStop(t *testing.T) {
	s, err := RunServerWithConfig(getTestConfig())
	require.NoError(t, err)
	require.True(t, s.IsRunning())
	c := newTestClient(t, s)
	prepareCBCDecrypt(c, c.open())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.False(t, s.IsRunning())
	require.Zero(t, s.handles.InUse())
}

// hungComponent blocks every command until release is closed.
type hungComponent struct {
	entered chan struct{}
	release chan struct{}
}

func (c *hungComponent) Invoke(ctx context.Context, command uint32, types tee.ParamTypes,
	params *tee.Params) error {

	c.entered <- struct{}{}
	<-c.release
	return nil
}

// Ensure Stop returns while a delegation without a deadline is blocked on a
// far component that never answers.
func TestServerStopWithHungDelegation(t *testing.T) {
	config := getTestConfig()
	config.Delegate.Transport = transportNATS
	config.Delegate.LoadTarget = uuid.New()
	config.EmbeddedNATS = true
	s, err := RunServerWithConfig(config)
	require.NoError(t, err)
	defer s.Stop()

	nc, err := nats.Connect(s.config.NATS.Servers[0])
	require.NoError(t, err)
	defer nc.Close()
	hung := &hungComponent{entered: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(hung.release)
	r, err := delegate.Serve(nc, config.Delegate.SubjectPrefix, config.Delegate.LoadTarget, hung, s.logger)
	require.NoError(t, err)
	defer r.Close()

	c := newTestClient(t, s)
	session := c.open()
	prepareCBCDecrypt(c, session)
	go c.client.InvokeCommand(context.Background(), &protocol.InvokeCommandRequest{
		SessionId:  session,
		CommandId:  uint32(dispatch.CmdLoad),
		ParamTypes: uint32(memrefIn),
		Params:     []*protocol.Param{buffer(nistCBCCipher), {}, {}, {}},
	})

	select {
	case <-hung.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected delegation to reach the component")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on an in-flight delegation")
	}
	require.Zero(t, s.handles.InUse())
}
