package protocol

import "fmt"

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeClose:
		return "CLOSE"
	case TypeDatExpired:
		return "DAT_EXPIRED"
	case TypeDat:
		return "DAT"
	case TypeRaProver:
		return "RA_PROVER"
	case TypeRaVerifier:
		return "RA_VERIFIER"
	case TypeReRa:
		return "RE_RA"
	case TypeAck:
		return "ACK"
	case TypeData:
		return "DATA"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

func (c CloseCause) String() string {
	switch c {
	case CauseUserShutdown:
		return "USER_SHUTDOWN"
	case CauseTimeout:
		return "TIMEOUT"
	case CauseError:
		return "ERROR"
	case CauseHandshakeFailed:
		return "HANDSHAKE_FAILED"
	case CauseRaProverFailed:
		return "RA_PROVER_FAILED"
	case CauseRaVerifierFailed:
		return "RA_VERIFIER_FAILED"
	case CauseDatInvalid:
		return "DAT_INVALID"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(c))
	}
}
