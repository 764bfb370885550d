package tee

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Ensure parameter types pack 4 bits per slot with slot 0 lowest.
func TestTypesPacking(t *testing.T) {
	types := Types(ParamMemrefInput, ParamMemrefOutput, ParamNone, ParamValueInout)
	require.Equal(t, ParamTypes(0x3065), types)
	require.Equal(t, ParamMemrefInput, types.Get(0))
	require.Equal(t, ParamMemrefOutput, types.Get(1))
	require.Equal(t, ParamNone, types.Get(2))
	require.Equal(t, ParamValueInout, types.Get(3))
	require.Equal(t, "[memref-in, memref-out, none, value-inout]", types.String())
}

// Ensure memref slots expose only their declared size.
func TestParamBytes(t *testing.T) {
	p := Param{Buffer: []byte("abcdef"), Size: 3}
	require.Equal(t, []byte("abc"), p.Bytes())
	p.Size = 10
	require.Equal(t, []byte("abcdef"), p.Bytes())
}

// Ensure each kind maps to its result code and survives wrapping.
func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err    error
		kind   Kind
		result Result
	}{
		{InvalidParameter("op", "bad %d", 1), KindInvalidParameter, ErrBadParameters},
		{AllocationFailure("op", errors.New("oom")), KindAllocationFailure, ErrOutOfMemory},
		{StorageFailure("op", errors.New("disk")), KindStorageFailure, ErrStorageNotAvail},
		{NotFound("op", nil), KindNotFound, ErrItemNotFound},
		{Unsupported("op", "cmd %d", 42), KindUnsupported, ErrNotSupported},
		{BadState("op", "no key"), KindBadState, ErrBadState},
	}
	for _, c := range cases {
		wrapped := errors.Wrap(c.err, "context")
		require.Equal(t, c.kind, KindOf(wrapped))
		require.True(t, Is(wrapped, c.kind))
		result, origin := ResultOf(wrapped)
		require.Equal(t, c.result, result)
		require.Equal(t, OriginTrustedApp, origin)
	}
}

// Ensure delegation failures keep the far side's result and origin.
func TestDelegationFailureKeepsFarResult(t *testing.T) {
	err := DelegationFailure("invoke", ErrShortBuffer, OriginTEE, nil)
	require.Equal(t, KindDelegationFailure, KindOf(err))
	result, origin := ResultOf(err)
	require.Equal(t, ErrShortBuffer, result)
	require.Equal(t, OriginTEE, origin)

	// A far side claiming success on a failed call is still a failure.
	err = DelegationFailure("invoke", Success, OriginComms, nil)
	result, _ = ResultOf(err)
	require.Equal(t, ErrGeneric, result)
}

// Ensure unclassified errors and nil map to generic and success.
func TestResultOfUnclassified(t *testing.T) {
	result, _ := ResultOf(nil)
	require.Equal(t, Success, result)
	result, _ = ResultOf(errors.New("boom"))
	require.Equal(t, ErrGeneric, result)
	require.Equal(t, KindGeneric, KindOf(errors.New("boom")))
	require.Equal(t, KindInvalidParameter, KindOf(New("far", ErrShortBuffer, OriginTEE)))
}
