package region

import (
	"context"

	"github.com/ocram-io/ocramd/server/tee"
)

const (
	// Command is the only command id the region components accept.
	Command uint32 = 0

	// DefaultMaxRead bounds a single read-back.
	DefaultMaxRead = 128
)

var (
	loadShape = tee.Types(tee.ParamMemrefInput, tee.ParamNone, tee.ParamNone, tee.ParamNone)
	readShape = tee.Types(tee.ParamMemrefOutput, tee.ParamNone, tee.ParamNone, tee.ParamNone)
)

// Loader copies a payload into the region.
type Loader struct {
	region *Region
}

// NewLoader returns a Loader writing to r.
func NewLoader(r *Region) *Loader {
	return &Loader{region: r}
}

// Invoke handles a load. The payload replaces the region contents.
func (l *Loader) Invoke(ctx context.Context, command uint32, types tee.ParamTypes,
	params *tee.Params) error {

	if command != Command {
		return tee.Unsupported("load", "unknown command %d", command)
	}
	if types != loadShape {
		return tee.InvalidParameter("load", "unexpected parameters %s", types)
	}
	return l.region.Load(params[0].Bytes())
}

// Reader returns the start of the loaded data.
type Reader struct {
	region  *Region
	maxRead int
}

// NewReader returns a Reader on r returning at most maxRead bytes per call.
// A maxRead of zero or less uses DefaultMaxRead.
func NewReader(r *Region, maxRead int) *Reader {
	if maxRead <= 0 {
		maxRead = DefaultMaxRead
	}
	return &Reader{region: r, maxRead: maxRead}
}

// Invoke handles a read. The output size becomes the number of bytes copied,
// which is the smallest of the loaded length, the buffer capacity and the
// read limit.
func (r *Reader) Invoke(ctx context.Context, command uint32, types tee.ParamTypes,
	params *tee.Params) error {

	if command != Command {
		return tee.Unsupported("read", "unknown command %d", command)
	}
	if types != readShape {
		return tee.InvalidParameter("read", "unexpected parameters %s", types)
	}
	p := &params[0]
	buf := p.Buffer
	if int(p.Size) < len(buf) {
		buf = buf[:p.Size]
	}
	if len(buf) > r.maxRead {
		buf = buf[:r.maxRead]
	}
	n, err := r.region.Read(buf)
	if err != nil {
		return err
	}
	p.Size = uint32(n)
	return nil
}
