// Package state drives an IDSCP2 connection: a table-driven finite
// state machine guarded by one coarse mutex per connection, plus the
// one-shot timers whose handlers feed back into it.
package state

import (
	"crypto/x509"
	"time"

	"github.com/industrial-data-space/idscp2-go/protocol"
)

type Event uint32

const (
	// internal control events
	START Event = iota + 1
	STOP
	ERROR
	TIMEOUT
	DAT_TIMER_EXPIRED
	ACK_TIMER_EXPIRED
	REPEAT_RA
	SEND_DATA
	RA_PROVER_OK
	RA_PROVER_FAILED
	RA_PROVER_MSG
	RA_VERIFIER_OK
	RA_VERIFIER_FAILED
	RA_VERIFIER_MSG

	// received wire messages
	MSG_HELLO
	MSG_CLOSE
	MSG_DAT_EXPIRED
	MSG_DAT
	MSG_RA_PROVER
	MSG_RA_VERIFIER
	MSG_RE_RA
	MSG_ACK
	MSG_DATA
)

type State uint32

const (
	// STATE_CLOSED is both initial and terminal
	STATE_CLOSED State = iota + 1
	STATE_WAIT_FOR_HELLO
	STATE_WAIT_FOR_RA
	STATE_WAIT_FOR_RA_PROVER
	STATE_WAIT_FOR_RA_VERIFIER
	STATE_WAIT_FOR_DAT_AND_RA
	STATE_WAIT_FOR_DAT_AND_RA_VERIFIER
	STATE_WAIT_FOR_ACK
	STATE_ESTABLISHED
)

// Code is the outcome of a single transition.
type Code uint32

const (
	CodeOk Code = iota
	CodeNotConnected
	CodeIoError
	CodeRaError
	CodeInvalidDat
	CodeTimeout
	CodeUnknownTransition
)

// StateEvent is the tagged union dispatched into the FSM.
type StateEvent struct {
	Event
	Message protocol.Message // decoded wire message for MSG_* events
	Data    []byte           // payload for SEND_DATA and RA_*_MSG
	Gen     uint64           // driver generation for RA_* events
	Err     error            // cause for ERROR
}

// Result of a transition; Dest 0 means stay in the current state.
type Result struct {
	Code Code
	Dest State
}

// Transition runs with the FSM mutex held.
type Transition func(*FSM, StateEvent) Result

// SecureChannel is the outbound contract of the transport adapter.
type SecureChannel interface {
	Send([]byte) bool
	Close() error
	IsConnected() bool
	RemotePeer() string
}

// DapsDriver acquires local DATs and verifies peer DATs.
type DapsDriver interface {
	Token() ([]byte, error)
	Verify(dat []byte, peerCert *x509.Certificate) (time.Duration, error)
}

// Handler receives user-visible events. Callbacks are invoked with the
// FSM mutex held and must not block or call back into the FSM.
type Handler interface {
	OnMessage([]byte)
	OnError(error)
	OnClose()
}

// Config is the FSM slice of the connection configuration.
type Config struct {
	// Active marks the connecting side: it opens the handshake with
	// its Hello. The listening side waits and answers with its own.
	Active bool

	LocalSupportedRa []string
	LocalExpectedRa  []string

	AckEnabled     bool
	MaxRetransmits int

	HandshakeTimeout    time.Duration
	VerifierTimeout     time.Duration
	RaInterval          time.Duration
	AckTimeout          time.Duration
	DatRenewalThreshold float64

	PeerCertificate *x509.Certificate
}
