package idscp2

import (
	"github.com/pkg/errors"

	"github.com/industrial-data-space/idscp2-go/daps"
	"github.com/industrial-data-space/idscp2-go/state"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timeout")
	ErrIo           = errors.New("io error")
	ErrRa           = errors.New("remote attestation failed")
)

// codeError maps an FSM result onto the user-facing error set.
func codeError(c state.Code) error {
	switch c {
	case state.CodeOk:
		return nil
	case state.CodeNotConnected:
		return ErrNotConnected
	case state.CodeTimeout:
		return ErrTimeout
	case state.CodeIoError:
		return ErrIo
	case state.CodeRaError:
		return ErrRa
	case state.CodeInvalidDat:
		return daps.ErrInvalidDat
	default:
		return errors.Errorf("unexpected result %s", c)
	}
}
