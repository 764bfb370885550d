package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocram-io/ocramd/server/protocol"
	"github.com/ocram-io/ocramd/server/tee"
)

// Used by both testing.B and testing.T so need to use
// a common interface: tLogger
type tLogger interface {
	Fatalf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

func stackFatalf(t tLogger, f string, args ...interface{}) {
	lines := make([]string, 0, 32)
	msg := fmt.Sprintf(f, args...)
	lines = append(lines, msg)

	// Generate the Stack of callers:
	for i := 1; true; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		msg := fmt.Sprintf("%d - %s:%d", i, file, line)
		lines = append(lines, msg)
	}

	t.Fatalf("%s", strings.Join(lines, "\n"))
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// getTestConfig returns a config listening on a random local port with
// logging silenced.
func getTestConfig() *Config {
	config := NewDefaultConfig()
	config.Listen = HostPort{Host: "127.0.0.1", Port: 0}
	config.LogLevel = uint32(log.DebugLevel)
	config.LogSilent = true
	return config
}

func runServerWithConfig(t *testing.T, config *Config) *Server {
	server, err := RunServerWithConfig(config)
	require.NoError(t, err)
	t.Cleanup(func() { server.Stop() })
	return server
}

// testClient calls the TrustedApp service of a running server.
type testClient struct {
	t      *testing.T
	client protocol.TrustedAppClient
}

func newTestClient(t *testing.T, s *Server) *testClient {
	conn, err := grpc.NewClient(s.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, client: protocol.NewTrustedAppClient(conn)}
}

func (c *testClient) open() string {
	resp, err := c.client.OpenSession(context.Background(), &protocol.OpenSessionRequest{})
	require.NoError(c.t, err)
	require.Equal(c.t, uint32(tee.Success), resp.Result)
	return resp.SessionId
}

func (c *testClient) close(session string) {
	_, err := c.client.CloseSession(context.Background(), &protocol.CloseSessionRequest{SessionId: session})
	require.NoError(c.t, err)
}

func (c *testClient) invoke(session string, command uint32, types tee.ParamTypes,
	params ...*protocol.Param) (*protocol.InvokeCommandResponse, error) {

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.client.InvokeCommand(ctx, &protocol.InvokeCommandRequest{
		SessionId:  session,
		CommandId:  command,
		ParamTypes: uint32(types),
		Params:     params,
	})
}

// mustInvoke runs a command that is expected to succeed.
func (c *testClient) mustInvoke(session string, command uint32, types tee.ParamTypes,
	params ...*protocol.Param) *protocol.InvokeCommandResponse {

	resp, err := c.invoke(session, command, types, params...)
	require.NoError(c.t, err)
	if resp.Result != uint32(tee.Success) {
		stackFatalf(c.t, "command %d failed: %s (origin %s)", command,
			tee.Result(resp.Result), tee.Origin(resp.Origin))
	}
	return resp
}
