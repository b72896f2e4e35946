package protocol

import (
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/msgboxio/packets"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// EncodeMessage serializes a message to a record body: u8 tag plus the
// variant fields.
func EncodeMessage(m Message, log *logrus.Logger) []byte {
	if log != nil && log.Level >= logrus.DebugLevel {
		log.Debug("Tx:\n" + spew.Sdump(m))
	}
	return append([]byte{uint8(m.Type())}, m.Encode()...)
}

// DecodeMessage parses a record body into the message union.
func DecodeMessage(b []byte, log *logrus.Logger) (Message, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(ErrInvalidSyntax, "empty record")
	}
	tag, _ := packets.ReadB8(b, 0)
	var m Message
	switch MessageType(tag) {
	case TypeHello:
		m = &Hello{}
	case TypeClose:
		m = &Close{}
	case TypeDatExpired:
		m = &DatExpired{}
	case TypeDat:
		m = &Dat{}
	case TypeRaProver:
		m = &RaProver{}
	case TypeRaVerifier:
		m = &RaVerifier{}
	case TypeReRa:
		m = &ReRa{}
	case TypeAck:
		m = &Ack{}
	case TypeData:
		m = &Data{}
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "tag %d", tag)
	}
	if err := m.Decode(b[1:]); err != nil {
		return nil, err
	}
	if log != nil && log.Level >= logrus.DebugLevel {
		log.Debug("Rx:\n" + spew.Sdump(m))
	}
	return m, nil
}

// WriteFrame writes one length-prefixed record.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	hdr := make([]byte, FrameHeaderLen)
	packets.WriteB32(hdr, 0, uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "write frame body")
	}
	return nil
}

// ReadFrame reads exactly one record. EOF on the length prefix is
// returned as io.EOF so callers can tell an orderly close from a
// truncated record.
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, FrameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read frame header")
	}
	length, _ := packets.ReadB32(hdr, 0)
	if length == 0 {
		return nil, errors.Wrap(ErrInvalidSyntax, "zero-length record")
	}
	if length > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "read frame body")
	}
	return body, nil
}
