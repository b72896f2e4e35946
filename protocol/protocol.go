// Package protocol implements the IDSCP2 wire format: length-prefixed
// records carrying a tagged message union. Tag numbers are part of the
// deployed wire contract and must not be renumbered.
package protocol

import "github.com/pkg/errors"

type MessageType uint8

const (
	TypeHello MessageType = iota + 1
	TypeClose
	TypeDatExpired
	TypeDat
	TypeRaProver
	TypeRaVerifier
	TypeReRa
	TypeAck
	TypeData
)

type CloseCause uint16

const (
	CauseUserShutdown CloseCause = iota
	CauseTimeout
	CauseError
	CauseHandshakeFailed
	CauseRaProverFailed
	CauseRaVerifierFailed
	CauseDatInvalid
)

const (
	// FrameHeaderLen is the u32 big-endian length prefix.
	FrameHeaderLen = 4
	// MaxFrameLen bounds a single record body.
	MaxFrameLen = 16 << 20
)

var (
	ErrInvalidSyntax  = errors.New("invalid syntax")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// Message is one member of the IDSCP message union.
type Message interface {
	Type() MessageType
	Encode() []byte
	Decode(b []byte) error
}

type Hello struct {
	Dat         []byte
	SupportedRa []string
	ExpectedRa  []string
}

type Close struct {
	Cause  CloseCause
	Reason string
}

type DatExpired struct{}

type Dat struct {
	Token []byte
}

type RaProver struct {
	Data []byte
}

type RaVerifier struct {
	Data []byte
}

type ReRa struct {
	Cause string
}

type Ack struct {
	Bit uint8
}

type Data struct {
	Payload []byte
	// Bit is the alternating sequence bit, meaningful only when the
	// peers negotiated ACK mode.
	Bit uint8
}
