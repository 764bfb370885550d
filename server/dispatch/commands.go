package dispatch

import (
	"fmt"

	"github.com/ocram-io/ocramd/server/tee"
)

// Command is a command id accepted by a Session.
type Command uint32

const (
	CmdLoad       Command = 3
	CmdStore      Command = 4
	CmdRead       Command = 5
	CmdAESPrepare Command = 6
	CmdAESSetKey  Command = 7
	CmdAESSetIV   Command = 8
	CmdAESCipher  Command = 9
	CmdLoadStored Command = 10
)

func (c Command) String() string {
	switch c {
	case CmdLoad:
		return "LOAD"
	case CmdStore:
		return "STORE"
	case CmdRead:
		return "READ"
	case CmdAESPrepare:
		return "AES_PREPARE"
	case CmdAESSetKey:
		return "AES_SET_KEY"
	case CmdAESSetIV:
		return "AES_SET_IV"
	case CmdAESCipher:
		return "AES_CIPHER"
	case CmdLoadStored:
		return "LOAD_STORED"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

var (
	none      = tee.ParamNone
	memrefIn  = tee.Types(tee.ParamMemrefInput, none, none, none)
	memrefOut = tee.Types(tee.ParamMemrefOutput, none, none, none)
)

// shapes is the parameter shape each command requires, compared bit for bit
// before the command runs.
var shapes = map[Command]tee.ParamTypes{
	CmdStore:      memrefIn,
	CmdLoad:       memrefIn,
	CmdRead:       memrefOut,
	CmdAESPrepare: tee.Types(tee.ParamValueInput, tee.ParamValueInput, tee.ParamValueInput, none),
	CmdAESSetKey:  memrefIn,
	CmdAESSetIV:   memrefIn,
	CmdAESCipher:  tee.Types(tee.ParamMemrefInput, tee.ParamMemrefOutput, none, none),
	CmdLoadStored: tee.Types(none, none, none, none),
}

// Shape returns the parameter shape of c and whether c is known.
func Shape(c Command) (tee.ParamTypes, bool) {
	shape, ok := shapes[c]
	return shape, ok
}

// Commands returns every known command.
func Commands() []Command {
	return []Command{
		CmdLoad, CmdStore, CmdRead, CmdAESPrepare,
		CmdAESSetKey, CmdAESSetIV, CmdAESCipher, CmdLoadStored,
	}
}
