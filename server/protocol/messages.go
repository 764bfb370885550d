// Package protocol defines the messages exchanged with callers over gRPC and
// with delegate components over NATS, encoded in the protobuf wire format.
package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every wire message.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// Param is one invocation parameter slot.
type Param struct {
	A      uint32
	B      uint32
	Buffer []byte
	Size   uint32
}

// OpenSessionRequest opens a session with the trusted application.
type OpenSessionRequest struct{}

// OpenSessionResponse carries the new session ID, or the failure.
type OpenSessionResponse struct {
	SessionId string
	Result    uint32
	Origin    uint32
}

// InvokeCommandRequest invokes one command within a session.
type InvokeCommandRequest struct {
	SessionId  string
	CommandId  uint32
	ParamTypes uint32
	Params     []*Param
}

// InvokeCommandResponse carries the command outcome and output parameters.
type InvokeCommandResponse struct {
	Result uint32
	Origin uint32
	Params []*Param
}

// CloseSessionRequest closes a session.
type CloseSessionRequest struct {
	SessionId string
}

// CloseSessionResponse acknowledges a CloseSessionRequest.
type CloseSessionResponse struct{}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendParams(b []byte, num protowire.Number, params []*Param) []byte {
	for _, p := range params {
		if p == nil {
			p = &Param{}
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, p.append(nil))
	}
	return b
}

// field is called for each field of a message being decoded. It returns the
// number of bytes consumed from b, or a negative protowire error code.
type field func(num protowire.Number, typ protowire.Type, b []byte) int

// decode walks the fields of a message, skipping fields fn does not consume.
func decode(data []byte, fn field) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "invalid tag")
		}
		data = data[n:]
		m := fn(num, typ, data)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return errors.Wrapf(protowire.ParseError(m), "invalid field %d", num)
		}
		data = data[m:]
	}
	return nil
}

func consumeUint32(typ protowire.Type, b []byte, v *uint32) int {
	if typ != protowire.VarintType {
		return 0
	}
	x, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*v = uint32(x)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, v *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	x, n := protowire.ConsumeString(b)
	if n >= 0 {
		*v = x
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, v *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	x, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*v = append([]byte(nil), x...)
	}
	return n
}

func consumeParam(typ protowire.Type, b []byte, params *[]*Param) int {
	if typ != protowire.BytesType {
		return 0
	}
	x, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	p := new(Param)
	if err := p.Unmarshal(x); err != nil {
		return -1
	}
	*params = append(*params, p)
	return n
}

func (p *Param) append(b []byte) []byte {
	b = appendUint32(b, 1, p.A)
	b = appendUint32(b, 2, p.B)
	b = appendBytes(b, 3, p.Buffer)
	return appendUint32(b, 4, p.Size)
}

func (p *Param) Marshal() ([]byte, error) {
	return p.append(nil), nil
}

func (p *Param) Unmarshal(data []byte) error {
	*p = Param{}
	return decode(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint32(typ, b, &p.A)
		case 2:
			return consumeUint32(typ, b, &p.B)
		case 3:
			return consumeBytes(typ, b, &p.Buffer)
		case 4:
			return consumeUint32(typ, b, &p.Size)
		}
		return 0
	})
}

func (r *OpenSessionRequest) Marshal() ([]byte, error) {
	return []byte{}, nil
}

func (r *OpenSessionRequest) Unmarshal(data []byte) error {
	return decode(data, func(protowire.Number, protowire.Type, []byte) int { return 0 })
}

func (r *OpenSessionResponse) Marshal() ([]byte, error) {
	b := appendString(nil, 1, r.SessionId)
	b = appendUint32(b, 2, r.Result)
	return appendUint32(b, 3, r.Origin), nil
}

func (r *OpenSessionResponse) Unmarshal(data []byte) error {
	*r = OpenSessionResponse{}
	return decode(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &r.SessionId)
		case 2:
			return consumeUint32(typ, b, &r.Result)
		case 3:
			return consumeUint32(typ, b, &r.Origin)
		}
		return 0
	})
}

func (r *InvokeCommandRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, r.SessionId)
	b = appendUint32(b, 2, r.CommandId)
	b = appendUint32(b, 3, r.ParamTypes)
	return appendParams(b, 4, r.Params), nil
}

func (r *InvokeCommandRequest) Unmarshal(data []byte) error {
	*r = InvokeCommandRequest{}
	return decode(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &r.SessionId)
		case 2:
			return consumeUint32(typ, b, &r.CommandId)
		case 3:
			return consumeUint32(typ, b, &r.ParamTypes)
		case 4:
			return consumeParam(typ, b, &r.Params)
		}
		return 0
	})
}

func (r *InvokeCommandResponse) Marshal() ([]byte, error) {
	b := appendUint32(nil, 1, r.Result)
	b = appendUint32(b, 2, r.Origin)
	return appendParams(b, 3, r.Params), nil
}

func (r *InvokeCommandResponse) Unmarshal(data []byte) error {
	*r = InvokeCommandResponse{}
	return decode(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeUint32(typ, b, &r.Result)
		case 2:
			return consumeUint32(typ, b, &r.Origin)
		case 3:
			return consumeParam(typ, b, &r.Params)
		}
		return 0
	})
}

func (r *CloseSessionRequest) Marshal() ([]byte, error) {
	return appendString(nil, 1, r.SessionId), nil
}

func (r *CloseSessionRequest) Unmarshal(data []byte) error {
	*r = CloseSessionRequest{}
	return decode(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeString(typ, b, &r.SessionId)
		}
		return 0
	})
}

func (r *CloseSessionResponse) Marshal() ([]byte, error) {
	return []byte{}, nil
}

func (r *CloseSessionResponse) Unmarshal(data []byte) error {
	return decode(data, func(protowire.Number, protowire.Type, []byte) int { return 0 })
}
