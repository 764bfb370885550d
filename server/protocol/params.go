package protocol

import "github.com/ocram-io/ocramd/server/tee"

// ParamsToWire encodes the slots the receiving side needs to see. Output-only
// memrefs travel as a capacity without contents.
func ParamsToWire(types tee.ParamTypes, params *tee.Params) []*Param {
	out := make([]*Param, tee.NumParams)
	for i := range out {
		p := &params[i]
		w := &Param{}
		switch t := types.Get(i); {
		case t == tee.ParamValueInput || t == tee.ParamValueInout:
			w.A, w.B = p.A, p.B
		case t == tee.ParamMemrefInput:
			w.Buffer = p.Bytes()
			w.Size = uint32(len(w.Buffer))
		case t == tee.ParamMemrefInout:
			w.Buffer = p.Bytes()
			w.Size = uint32(len(p.Buffer))
		case t == tee.ParamMemrefOutput:
			w.Size = p.Size
		}
		out[i] = w
	}
	return out
}

// ParamsFromWire decodes request slots into params, allocating buffers of the
// requested capacity for output memrefs.
func ParamsFromWire(types tee.ParamTypes, in []*Param, params *tee.Params) {
	for i := 0; i < tee.NumParams; i++ {
		w := &Param{}
		if i < len(in) && in[i] != nil {
			w = in[i]
		}
		p := tee.Param{}
		switch t := types.Get(i); {
		case t == tee.ParamValueInput || t == tee.ParamValueInout:
			p.A, p.B = w.A, w.B
		case t == tee.ParamMemrefInput:
			p.Buffer = w.Buffer
			p.Size = uint32(len(w.Buffer))
		case t == tee.ParamMemrefInout:
			size := w.Size
			if size < uint32(len(w.Buffer)) {
				size = uint32(len(w.Buffer))
			}
			p.Buffer = make([]byte, size)
			copy(p.Buffer, w.Buffer)
			p.Size = uint32(len(w.Buffer))
		case t == tee.ParamMemrefOutput:
			p.Buffer = make([]byte, w.Size)
			p.Size = w.Size
		}
		params[i] = p
	}
}

// OutputsToWire encodes the slots the far side produced.
func OutputsToWire(types tee.ParamTypes, params *tee.Params) []*Param {
	out := make([]*Param, tee.NumParams)
	for i := range out {
		p := &params[i]
		w := &Param{}
		switch t := types.Get(i); {
		case t == tee.ParamValueOutput || t == tee.ParamValueInout:
			w.A, w.B = p.A, p.B
		case t == tee.ParamMemrefOutput || t == tee.ParamMemrefInout:
			w.Size = p.Size
			if int(p.Size) <= len(p.Buffer) {
				w.Buffer = p.Buffer[:p.Size]
			}
		}
		out[i] = w
	}
	return out
}

// OutputsFromWire copies produced slots back into the caller's params. A
// reported size larger than the caller's buffer is kept as is so the caller
// can detect it; only what fits is copied.
func OutputsFromWire(types tee.ParamTypes, in []*Param, params *tee.Params) {
	for i := 0; i < tee.NumParams && i < len(in); i++ {
		w := in[i]
		if w == nil {
			continue
		}
		p := &params[i]
		switch t := types.Get(i); {
		case t == tee.ParamValueOutput || t == tee.ParamValueInout:
			p.A, p.B = w.A, w.B
		case t == tee.ParamMemrefOutput || t == tee.ParamMemrefInout:
			copy(p.Buffer, w.Buffer)
			p.Size = w.Size
		}
	}
}
