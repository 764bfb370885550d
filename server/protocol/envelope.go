package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

// msgType indicates the type of message contained by an envelope.
type msgType byte

const (
	msgTypeOpenSessionRequest msgType = iota
	msgTypeOpenSessionResponse

	msgTypeInvokeCommandRequest
	msgTypeInvokeCommandResponse

	msgTypeCloseSessionRequest
	msgTypeCloseSessionResponse
)

const (
	// envelopeProtoV0 is version 0 of the envelope protocol.
	envelopeProtoV0 = 0x00

	// envelopeMinHeaderLen is the minimum length of the envelope header, i.e.
	// without CRC-32C set.
	envelopeMinHeaderLen = 8

	// envelopeCRCHeaderLen is the header length with CRC-32C set.
	envelopeCRCHeaderLen = envelopeMinHeaderLen + 4

	flagCRC = 0
)

var (
	// Encoding is the byte order to use for protocol serialization.
	Encoding = binary.BigEndian

	// envelopeMagicNumber marks a NATS message as a delegate envelope. It is
	// invalid UTF-8 to avoid colliding with text payloads.
	envelopeMagicNumber    = []byte{0xB9, 0x0E, 0x43, 0xB5}
	envelopeMagicNumberLen = len(envelopeMagicNumber)

	crc32cTable = crc32.MakeTable(crc32.Castagnoli)
)

// MarshalOpenSessionRequest serializes an OpenSessionRequest into the
// envelope wire format.
func MarshalOpenSessionRequest(req *OpenSessionRequest) ([]byte, error) {
	return marshalEnvelope(req, msgTypeOpenSessionRequest)
}

// MarshalOpenSessionResponse serializes an OpenSessionResponse into the
// envelope wire format.
func MarshalOpenSessionResponse(resp *OpenSessionResponse) ([]byte, error) {
	return marshalEnvelope(resp, msgTypeOpenSessionResponse)
}

// MarshalInvokeCommandRequest serializes an InvokeCommandRequest into the
// envelope wire format.
func MarshalInvokeCommandRequest(req *InvokeCommandRequest) ([]byte, error) {
	return marshalEnvelope(req, msgTypeInvokeCommandRequest)
}

// MarshalInvokeCommandResponse serializes an InvokeCommandResponse into the
// envelope wire format.
func MarshalInvokeCommandResponse(resp *InvokeCommandResponse) ([]byte, error) {
	return marshalEnvelope(resp, msgTypeInvokeCommandResponse)
}

// MarshalCloseSessionRequest serializes a CloseSessionRequest into the
// envelope wire format.
func MarshalCloseSessionRequest(req *CloseSessionRequest) ([]byte, error) {
	return marshalEnvelope(req, msgTypeCloseSessionRequest)
}

// MarshalCloseSessionResponse serializes a CloseSessionResponse into the
// envelope wire format.
func MarshalCloseSessionResponse(resp *CloseSessionResponse) ([]byte, error) {
	return marshalEnvelope(resp, msgTypeCloseSessionResponse)
}

// UnmarshalOpenSessionRequest deserializes an OpenSessionRequest envelope.
func UnmarshalOpenSessionRequest(data []byte) (*OpenSessionRequest, error) {
	var (
		req = new(OpenSessionRequest)
		err = unmarshalEnvelope(data, req, msgTypeOpenSessionRequest)
	)
	return req, err
}

// UnmarshalOpenSessionResponse deserializes an OpenSessionResponse envelope.
func UnmarshalOpenSessionResponse(data []byte) (*OpenSessionResponse, error) {
	var (
		resp = new(OpenSessionResponse)
		err  = unmarshalEnvelope(data, resp, msgTypeOpenSessionResponse)
	)
	return resp, err
}

// UnmarshalInvokeCommandRequest deserializes an InvokeCommandRequest
// envelope.
func UnmarshalInvokeCommandRequest(data []byte) (*InvokeCommandRequest, error) {
	var (
		req = new(InvokeCommandRequest)
		err = unmarshalEnvelope(data, req, msgTypeInvokeCommandRequest)
	)
	return req, err
}

// UnmarshalInvokeCommandResponse deserializes an InvokeCommandResponse
// envelope.
func UnmarshalInvokeCommandResponse(data []byte) (*InvokeCommandResponse, error) {
	var (
		resp = new(InvokeCommandResponse)
		err  = unmarshalEnvelope(data, resp, msgTypeInvokeCommandResponse)
	)
	return resp, err
}

// UnmarshalCloseSessionRequest deserializes a CloseSessionRequest envelope.
func UnmarshalCloseSessionRequest(data []byte) (*CloseSessionRequest, error) {
	var (
		req = new(CloseSessionRequest)
		err = unmarshalEnvelope(data, req, msgTypeCloseSessionRequest)
	)
	return req, err
}

// UnmarshalCloseSessionResponse deserializes a CloseSessionResponse envelope.
func UnmarshalCloseSessionResponse(data []byte) (*CloseSessionResponse, error) {
	var (
		resp = new(CloseSessionResponse)
		err  = unmarshalEnvelope(data, resp, msgTypeCloseSessionResponse)
	)
	return resp, err
}

// marshalEnvelope serializes a message into the envelope wire format. The
// payload is always protected by a CRC-32C.
func marshalEnvelope(msg Message, msgType msgType) ([]byte, error) {
	data, err := msg.Marshal()
	if err != nil {
		return nil, err
	}

	var (
		buf       = make([]byte, envelopeCRCHeaderLen+len(data))
		pos       = 0
		headerLen = envelopeCRCHeaderLen
	)
	copy(buf[pos:], envelopeMagicNumber)
	pos += envelopeMagicNumberLen
	buf[pos] = envelopeProtoV0 // Version
	pos++
	buf[pos] = byte(headerLen) // HeaderLen
	pos++
	buf[pos] = setBit(0x00, flagCRC) // Flags
	pos++
	buf[pos] = byte(msgType) // MsgType
	pos++
	Encoding.PutUint32(buf[pos:], crc32.Checksum(data, crc32cTable))
	pos += 4
	if pos != headerLen {
		panic(fmt.Sprintf("Payload position (%d) does not match expected HeaderLen (%d)",
			pos, headerLen))
	}
	copy(buf[pos:], data)
	return buf, nil
}

// unmarshalEnvelope deserializes an envelope into a message.
func unmarshalEnvelope(data []byte, msg Message, msgType msgType) error {
	payload, err := checkEnvelope(data, msgType)
	if err != nil {
		return err
	}
	return msg.Unmarshal(payload)
}

func checkEnvelope(data []byte, expectedType msgType) ([]byte, error) {
	if len(data) < envelopeMinHeaderLen {
		return nil, errors.New("data missing envelope header")
	}
	if !bytes.Equal(data[:envelopeMagicNumberLen], envelopeMagicNumber) {
		return nil, errors.New("unexpected envelope magic number")
	}
	if data[4] != envelopeProtoV0 {
		return nil, errors.Errorf("unknown envelope protocol: %v", data[4])
	}

	var (
		headerLen  = int(data[5])
		flags      = data[6]
		actualType = msgType(data[7])
	)
	if headerLen < envelopeMinHeaderLen || headerLen > len(data) {
		return nil, errors.New("incorrect envelope header size")
	}
	payload := data[headerLen:]

	if actualType != expectedType {
		return nil, errors.Errorf("MsgType mismatch: expected %v, got %v", expectedType, actualType)
	}

	// Check CRC.
	if hasBit(flags, flagCRC) {
		if headerLen != envelopeCRCHeaderLen {
			return nil, errors.New("incorrect envelope header size")
		}
		crc := Encoding.Uint32(data[envelopeMinHeaderLen:headerLen])
		if c := crc32.Checksum(payload, crc32cTable); c != crc {
			return nil, errors.Errorf("crc mismatch: expected %d, got %d", crc, c)
		}
	}

	return payload, nil
}

// hasBit checks if the given bit position is set on the provided byte.
func hasBit(n byte, pos uint8) bool {
	val := n & (1 << pos)
	return (val > 0)
}

// setBit sets the bit at the given position on the provided byte.
func setBit(n byte, pos uint8) byte {
	return n | (1 << pos)
}
