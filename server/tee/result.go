// Package tee holds the vocabulary shared by every trusted-side component:
// result codes, return origins, parameter types and the error taxonomy.
package tee

import "fmt"

// Result is a numeric command outcome as reported to callers.
type Result uint32

const (
	Success            Result = 0x00000000
	ErrCorruptObject   Result = 0xF0100001
	ErrStorageNotAvail Result = 0xF0100003
	ErrGeneric         Result = 0xFFFF0000
	ErrAccessDenied    Result = 0xFFFF0001
	ErrBadFormat       Result = 0xFFFF0005
	ErrBadParameters   Result = 0xFFFF0006
	ErrBadState        Result = 0xFFFF0007
	ErrItemNotFound    Result = 0xFFFF0008
	ErrNotSupported    Result = 0xFFFF000A
	ErrOutOfMemory     Result = 0xFFFF000C
	ErrCommunication   Result = 0xFFFF000E
	ErrShortBuffer     Result = 0xFFFF0010
	ErrTargetDead      Result = 0xFFFF3024
)

var resultNames = map[Result]string{
	Success:            "SUCCESS",
	ErrCorruptObject:   "CORRUPT_OBJECT",
	ErrStorageNotAvail: "STORAGE_NOT_AVAILABLE",
	ErrGeneric:         "GENERIC",
	ErrAccessDenied:    "ACCESS_DENIED",
	ErrBadFormat:       "BAD_FORMAT",
	ErrBadParameters:   "BAD_PARAMETERS",
	ErrBadState:        "BAD_STATE",
	ErrItemNotFound:    "ITEM_NOT_FOUND",
	ErrNotSupported:    "NOT_SUPPORTED",
	ErrOutOfMemory:     "OUT_OF_MEMORY",
	ErrCommunication:   "COMMUNICATION",
	ErrShortBuffer:     "SHORT_BUFFER",
	ErrTargetDead:      "TARGET_DEAD",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(r))
}

// Origin identifies the layer that produced a Result.
type Origin uint32

const (
	OriginAPI        Origin = 1
	OriginComms      Origin = 2
	OriginTEE        Origin = 3
	OriginTrustedApp Origin = 4
)

func (o Origin) String() string {
	switch o {
	case OriginAPI:
		return "api"
	case OriginComms:
		return "comms"
	case OriginTEE:
		return "tee"
	case OriginTrustedApp:
		return "trusted-app"
	default:
		return fmt.Sprintf("origin(%d)", uint32(o))
	}
}
