package delegate

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/ocram-io/ocramd/server/logger"
	"github.com/ocram-io/ocramd/server/protocol"
	"github.com/ocram-io/ocramd/server/tee"
)

// Responder exposes a Component on NATS under its identity.
type Responder struct {
	mu        sync.Mutex
	target    uuid.UUID
	component Component
	logger    logger.Logger
	sessions  map[string]struct{}
	sub       *nats.Subscription
}

// Serve subscribes to the open, invoke and close subjects of target and
// handles them with c until Close is called.
func Serve(nc *nats.Conn, prefix string, target uuid.UUID, c Component,
	logger logger.Logger) (*Responder, error) {

	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	r := &Responder{
		target:    target,
		component: c,
		logger:    logger,
		sessions:  make(map[string]struct{}),
	}
	sub, err := nc.Subscribe(subject(prefix, target, "*"), r.handle)
	if err != nil {
		return nil, err
	}
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	r.sub = sub
	return r, nil
}

// Close stops serving and drops all open sessions.
func (r *Responder) Close() error {
	r.mu.Lock()
	r.sessions = make(map[string]struct{})
	r.mu.Unlock()
	return r.sub.Unsubscribe()
}

// NumSessions returns the number of sessions currently open.
func (r *Responder) NumSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Responder) handle(m *nats.Msg) {
	var (
		data []byte
		err  error
	)
	op := m.Subject[strings.LastIndexByte(m.Subject, '.')+1:]
	switch op {
	case opOpen:
		data, err = r.handleOpen(m.Data)
	case opInvoke:
		data, err = r.handleInvoke(m.Data)
	case opClose:
		data, err = r.handleClose(m.Data)
	default:
		r.logger.Warnf("delegate: unknown operation %q for %s", op, r.target)
		return
	}
	if err != nil {
		r.logger.Warnf("delegate: invalid request for %s: %v", r.target, err)
		if data, err = badFormat(op); err != nil {
			r.logger.Errorf("delegate: failed to encode reply for %s: %v", r.target, err)
			return
		}
	}
	if err := m.Respond(data); err != nil {
		r.logger.Errorf("delegate: failed to respond for %s: %v", r.target, err)
	}
}

func (r *Responder) handleOpen(data []byte) ([]byte, error) {
	if _, err := protocol.UnmarshalOpenSessionRequest(data); err != nil {
		return nil, err
	}
	id := nuid.Next()
	r.mu.Lock()
	r.sessions[id] = struct{}{}
	r.mu.Unlock()
	return protocol.MarshalOpenSessionResponse(&protocol.OpenSessionResponse{
		SessionId: id,
		Result:    uint32(tee.Success),
		Origin:    uint32(tee.OriginTrustedApp),
	})
}

func (r *Responder) handleInvoke(data []byte) ([]byte, error) {
	req, err := protocol.UnmarshalInvokeCommandRequest(data)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	_, ok := r.sessions[req.SessionId]
	r.mu.Unlock()
	if !ok {
		return protocol.MarshalInvokeCommandResponse(&protocol.InvokeCommandResponse{
			Result: uint32(tee.ErrItemNotFound),
			Origin: uint32(tee.OriginTEE),
		})
	}

	var (
		types  = tee.ParamTypes(req.ParamTypes)
		params tee.Params
	)
	protocol.ParamsFromWire(types, req.Params, &params)
	err = r.component.Invoke(context.Background(), req.CommandId, types, &params)
	if err != nil {
		r.logger.Debugf("delegate: command %d on %s failed: %v", req.CommandId, r.target, err)
	}
	result, origin := tee.ResultOf(err)
	return protocol.MarshalInvokeCommandResponse(&protocol.InvokeCommandResponse{
		Result: uint32(result),
		Origin: uint32(origin),
		Params: protocol.OutputsToWire(types, &params),
	})
}

func (r *Responder) handleClose(data []byte) ([]byte, error) {
	req, err := protocol.UnmarshalCloseSessionRequest(data)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	delete(r.sessions, req.SessionId)
	r.mu.Unlock()
	return protocol.MarshalCloseSessionResponse(&protocol.CloseSessionResponse{})
}

// badFormat is the reply to a request of op that could not be decoded, so the
// requester does not wait for an answer that never comes.
func badFormat(op string) ([]byte, error) {
	switch op {
	case opOpen:
		return protocol.MarshalOpenSessionResponse(&protocol.OpenSessionResponse{
			Result: uint32(tee.ErrBadFormat),
			Origin: uint32(tee.OriginTEE),
		})
	case opInvoke:
		return protocol.MarshalInvokeCommandResponse(&protocol.InvokeCommandResponse{
			Result: uint32(tee.ErrBadFormat),
			Origin: uint32(tee.OriginTEE),
		})
	default:
		return protocol.MarshalCloseSessionResponse(&protocol.CloseSessionResponse{})
	}
}
