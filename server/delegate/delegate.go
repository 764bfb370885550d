// Package delegate calls into a second privileged component identified by a
// UUID. Each call opens a session on the target, invokes exactly one command
// and closes the session again, whatever the outcome of the invocation.
package delegate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ocram-io/ocramd/server/logger"
	"github.com/ocram-io/ocramd/server/tee"
)

// closeTimeout bounds the session close, which runs even after the caller's
// context is done.
const closeTimeout = 5 * time.Second

// Component is a privileged component that handles commands once a session
// is open on it. Output slots are written in place and their Size updated.
type Component interface {
	Invoke(ctx context.Context, command uint32, types tee.ParamTypes, params *tee.Params) error
}

// Session is an open session on a target component.
type Session interface {
	Invoke(ctx context.Context, command uint32, types tee.ParamTypes, params *tee.Params) error
	Close(ctx context.Context) error
}

// Transport opens sessions on components by identity.
type Transport interface {
	Open(ctx context.Context, target uuid.UUID) (Session, error)
}

// Invoker performs single-command delegations over a Transport.
type Invoker struct {
	transport Transport
	logger    logger.Logger
}

// NewInvoker returns an Invoker using the given Transport. A nil Logger
// discards output.
func NewInvoker(transport Transport, l logger.Logger) *Invoker {
	if l == nil {
		l = logger.NewLogger(0)
	}
	return &Invoker{transport: transport, logger: l}
}

// checkShape verifies shape carries exactly one memref, in slot 0.
func checkShape(shape tee.ParamTypes) error {
	if !shape.Get(0).IsMemref() {
		return tee.InvalidParameter("delegate", "slot 0 must be a memref, got %s", shape)
	}
	for i := 1; i < tee.NumParams; i++ {
		if shape.Get(i) != tee.ParamNone {
			return tee.InvalidParameter("delegate", "slot %d must be unused, got %s", i, shape)
		}
	}
	return nil
}

// Invoke opens a session on target, invokes command with payload as the only
// memory reference and closes the session. For shapes the far side may write,
// the returned count is the size it reported and the data is in payload;
// otherwise it is len(payload). Failures on the far side are returned as
// DelegationFailure errors carrying the far result and origin.
func (i *Invoker) Invoke(ctx context.Context, target uuid.UUID, command uint32,
	shape tee.ParamTypes, payload []byte) (int, error) {

	if err := checkShape(shape); err != nil {
		return 0, err
	}

	sess, err := i.transport.Open(ctx, target)
	if err != nil {
		return 0, farFailure("open", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			i.logger.Warnf("delegate: failed to close session on %s: %v", target, err)
		}
	}()

	var params tee.Params
	params[0] = tee.Param{Buffer: payload, Size: uint32(len(payload))}
	i.logger.Debugf("delegate: invoking command %d on %s with %d bytes", command, target, len(payload))
	if err := sess.Invoke(ctx, command, shape, &params); err != nil {
		return 0, farFailure("invoke", err)
	}

	if !shape.Get(0).IsOutput() {
		return len(payload), nil
	}
	n := int(params[0].Size)
	if n > len(payload) {
		return 0, tee.DelegationFailure("invoke", tee.ErrCommunication, tee.OriginComms,
			errors.Errorf("far side reported %d bytes for a %d byte buffer", n, len(payload)))
	}
	return n, nil
}

// farFailure classifies err as a delegation failure. Errors that carry no
// result of their own are attributed to the communication layer.
func farFailure(op string, err error) error {
	var e *tee.Error
	if errors.As(err, &e) {
		return tee.DelegationFailure(op, e.Result, e.Origin, err)
	}
	return tee.DelegationFailure(op, tee.ErrCommunication, tee.OriginComms, err)
}
