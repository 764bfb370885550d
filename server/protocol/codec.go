package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the trusted application service.
const CodecName = "ocram"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec lets gRPC carry protocol messages.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(Message)
	if !ok {
		return nil, errors.Errorf("protocol: cannot marshal %T", v)
	}
	return msg.Marshal()
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(Message)
	if !ok {
		return errors.Errorf("protocol: cannot unmarshal into %T", v)
	}
	return msg.Unmarshal(data)
}

func (codec) Name() string {
	return CodecName
}
