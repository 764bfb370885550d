package server

import (
	"context"
	"time"

	"github.com/nats-io/nuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ocram-io/ocramd/server/dispatch"
	"github.com/ocram-io/ocramd/server/protocol"
	"github.com/ocram-io/ocramd/server/tee"
)

// apiServer implements the gRPC server interface clients interact with.
type apiServer struct {
	*Server
}

// OpenSession creates a session with its own cipher state. If the session
// table is full the least recently used session is closed to make room.
func (a *apiServer) OpenSession(ctx context.Context, req *protocol.OpenSessionRequest) (
	*protocol.OpenSessionResponse, error) {

	id := nuid.Next()
	if evicted := a.sessions.Add(id, a.dispatcher.NewSession()); evicted {
		a.logger.Warnf("api: Session table full, evicted least recently used session")
	}
	a.logger.Debugf("api: OpenSession [id=%s]", id)
	return &protocol.OpenSessionResponse{
		SessionId: id,
		Result:    uint32(tee.Success),
		Origin:    uint32(tee.OriginTrustedApp),
	}, nil
}

// InvokeCommand runs one command in a session. Command failures are reported
// through the result and origin of the response; a gRPC error means the
// command did not run. It returns a NotFound status code if the session does
// not exist.
func (a *apiServer) InvokeCommand(ctx context.Context, req *protocol.InvokeCommandRequest) (
	*protocol.InvokeCommandResponse, error) {

	v, ok := a.sessions.Get(req.SessionId)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "No such session %q", req.SessionId)
	}
	var (
		sess   = v.(*dispatch.Session)
		cmd    = dispatch.Command(req.CommandId)
		types  = tee.ParamTypes(req.ParamTypes)
		params tee.Params
	)
	a.logger.Debugf("api: InvokeCommand [session=%s, command=%s, params=%s]", req.SessionId, cmd, types)

	protocol.ParamsFromWire(types, req.Params, &params)
	start := time.Now()
	err := sess.Invoke(ctx, req.CommandId, types, &params)
	a.stats.record(cmd, time.Since(start), inputBytes(types, &params), err)

	result, origin := tee.ResultOf(err)
	if err != nil {
		a.logger.Errorf("api: Command %s failed in session %s: %v", cmd, req.SessionId, err)
	}
	return &protocol.InvokeCommandResponse{
		Result: uint32(result),
		Origin: uint32(origin),
		Params: protocol.OutputsToWire(types, &params),
	}, nil
}

// CloseSession closes a session and releases its cipher state. It returns a
// NotFound status code if the session does not exist.
func (a *apiServer) CloseSession(ctx context.Context, req *protocol.CloseSessionRequest) (
	*protocol.CloseSessionResponse, error) {

	a.logger.Debugf("api: CloseSession [id=%s]", req.SessionId)
	if !a.sessions.Contains(req.SessionId) {
		return nil, status.Errorf(codes.NotFound, "No such session %q", req.SessionId)
	}
	a.sessions.Remove(req.SessionId)
	return &protocol.CloseSessionResponse{}, nil
}

// inputBytes is the number of bytes the caller passed in memrefs.
func inputBytes(types tee.ParamTypes, params *tee.Params) int {
	n := 0
	for i := 0; i < tee.NumParams; i++ {
		t := types.Get(i)
		if t == tee.ParamMemrefInput || t == tee.ParamMemrefInout {
			n += len(params[i].Bytes())
		}
	}
	return n
}
