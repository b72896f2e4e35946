package state

import "fmt"

func (e Event) String() string {
	switch e {
	case START:
		return "START"
	case STOP:
		return "STOP"
	case ERROR:
		return "ERROR"
	case TIMEOUT:
		return "TIMEOUT"
	case DAT_TIMER_EXPIRED:
		return "DAT_TIMER_EXPIRED"
	case ACK_TIMER_EXPIRED:
		return "ACK_TIMER_EXPIRED"
	case REPEAT_RA:
		return "REPEAT_RA"
	case SEND_DATA:
		return "SEND_DATA"
	case RA_PROVER_OK:
		return "RA_PROVER_OK"
	case RA_PROVER_FAILED:
		return "RA_PROVER_FAILED"
	case RA_PROVER_MSG:
		return "RA_PROVER_MSG"
	case RA_VERIFIER_OK:
		return "RA_VERIFIER_OK"
	case RA_VERIFIER_FAILED:
		return "RA_VERIFIER_FAILED"
	case RA_VERIFIER_MSG:
		return "RA_VERIFIER_MSG"
	case MSG_HELLO:
		return "MSG_HELLO"
	case MSG_CLOSE:
		return "MSG_CLOSE"
	case MSG_DAT_EXPIRED:
		return "MSG_DAT_EXPIRED"
	case MSG_DAT:
		return "MSG_DAT"
	case MSG_RA_PROVER:
		return "MSG_RA_PROVER"
	case MSG_RA_VERIFIER:
		return "MSG_RA_VERIFIER"
	case MSG_RE_RA:
		return "MSG_RE_RA"
	case MSG_ACK:
		return "MSG_ACK"
	case MSG_DATA:
		return "MSG_DATA"
	default:
		return fmt.Sprintf("Event(%d)", uint32(e))
	}
}

func (s State) String() string {
	switch s {
	case STATE_CLOSED:
		return "Closed"
	case STATE_WAIT_FOR_HELLO:
		return "WaitForHello"
	case STATE_WAIT_FOR_RA:
		return "WaitForRa"
	case STATE_WAIT_FOR_RA_PROVER:
		return "WaitForRaProver"
	case STATE_WAIT_FOR_RA_VERIFIER:
		return "WaitForRaVerifier"
	case STATE_WAIT_FOR_DAT_AND_RA:
		return "WaitForDatAndRa"
	case STATE_WAIT_FOR_DAT_AND_RA_VERIFIER:
		return "WaitForDatAndRaVerifier"
	case STATE_WAIT_FOR_ACK:
		return "WaitForAck"
	case STATE_ESTABLISHED:
		return "Established"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

func (c Code) String() string {
	switch c {
	case CodeOk:
		return "Ok"
	case CodeNotConnected:
		return "NotConnected"
	case CodeIoError:
		return "IoError"
	case CodeRaError:
		return "RaError"
	case CodeInvalidDat:
		return "InvalidDat"
	case CodeTimeout:
		return "Timeout"
	case CodeUnknownTransition:
		return "UnknownTransition"
	default:
		return fmt.Sprintf("Code(%d)", uint32(c))
	}
}
