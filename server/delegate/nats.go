package delegate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/ocram-io/ocramd/server/protocol"
	"github.com/ocram-io/ocramd/server/tee"
)

// DefaultSubjectPrefix is the subject namespace delegate requests are sent on.
const DefaultSubjectPrefix = "ocram.pta"

const (
	opOpen   = "open"
	opInvoke = "invoke"
	opClose  = "close"
)

// subject returns the NATS subject for op on target.
func subject(prefix string, target uuid.UUID, op string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, target, op)
}

// NATS is a Transport reaching components over NATS request/reply. A zero
// timeout waits for replies indefinitely.
type NATS struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewNATS returns a NATS transport on nc. An empty prefix uses
// DefaultSubjectPrefix.
func NewNATS(nc *nats.Conn, prefix string, timeout time.Duration) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{nc: nc, prefix: prefix, timeout: timeout}
}

// request sends data to subj and waits for the reply. NATS only honors
// contexts carrying a deadline, so without one the wait is unbounded.
func (t *NATS) request(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if _, ok := ctx.Deadline(); ok {
		return t.nc.RequestWithContext(ctx, subj, data)
	}
	return t.nc.Request(subj, data, time.Duration(math.MaxInt64))
}

// Open opens a session on target.
func (t *NATS) Open(ctx context.Context, target uuid.UUID) (Session, error) {
	data, err := protocol.MarshalOpenSessionRequest(&protocol.OpenSessionRequest{})
	if err != nil {
		return nil, err
	}
	msg, err := t.request(ctx, subject(t.prefix, target, opOpen), data)
	if err == nats.ErrNoResponders {
		return nil, tee.New("open", tee.ErrItemNotFound, tee.OriginTEE)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open request failed")
	}
	resp, err := protocol.UnmarshalOpenSessionResponse(msg.Data)
	if err != nil {
		return nil, err
	}
	if result := tee.Result(resp.Result); result != tee.Success {
		return nil, tee.New("open", result, tee.Origin(resp.Origin))
	}
	return &natsSession{transport: t, target: target, id: resp.SessionId}, nil
}

type natsSession struct {
	transport *NATS
	target    uuid.UUID
	id        string
}

func (s *natsSession) Invoke(ctx context.Context, command uint32, types tee.ParamTypes,
	params *tee.Params) error {

	data, err := protocol.MarshalInvokeCommandRequest(&protocol.InvokeCommandRequest{
		SessionId:  s.id,
		CommandId:  command,
		ParamTypes: uint32(types),
		Params:     protocol.ParamsToWire(types, params),
	})
	if err != nil {
		return err
	}
	msg, err := s.transport.request(ctx, subject(s.transport.prefix, s.target, opInvoke), data)
	if err != nil {
		return errors.Wrap(err, "invoke request failed")
	}
	resp, err := protocol.UnmarshalInvokeCommandResponse(msg.Data)
	if err != nil {
		return err
	}
	// Outputs are copied even on failure so a short buffer reports the size
	// that was needed.
	protocol.OutputsFromWire(types, resp.Params, params)
	if result := tee.Result(resp.Result); result != tee.Success {
		return tee.New("invoke", result, tee.Origin(resp.Origin))
	}
	return nil
}

func (s *natsSession) Close(ctx context.Context) error {
	data, err := protocol.MarshalCloseSessionRequest(&protocol.CloseSessionRequest{SessionId: s.id})
	if err != nil {
		return err
	}
	msg, err := s.transport.request(ctx, subject(s.transport.prefix, s.target, opClose), data)
	if err != nil {
		return errors.Wrap(err, "close request failed")
	}
	_, err = protocol.UnmarshalCloseSessionResponse(msg.Data)
	return err
}
