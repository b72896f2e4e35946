package protocol

import (
	"fmt"

	"github.com/msgboxio/packets"
	"github.com/pkg/errors"
)

// field helpers; bytes fields carry a u32 length, strings a u16 length

func putBytes(b, p []byte) []byte {
	var l [4]byte
	packets.WriteB32(l[:], 0, uint32(len(p)))
	return append(append(b, l[:]...), p...)
}

func getBytes(b []byte, o int) ([]byte, int, error) {
	n, err := packets.ReadB32(b, o)
	if err != nil {
		return nil, 0, errors.Wrap(ErrInvalidSyntax, "short field length")
	}
	o += 4
	if len(b) < o+int(n) {
		return nil, 0, errors.Wrap(ErrInvalidSyntax,
			fmt.Sprintf("field truncated: want %d, have %d", n, len(b)-o))
	}
	if n == 0 {
		return nil, o, nil
	}
	return append([]byte{}, b[o:o+int(n)]...), o + int(n), nil
}

func putString(b []byte, s string) []byte {
	var l [2]byte
	packets.WriteB16(l[:], 0, uint16(len(s)))
	return append(append(b, l[:]...), s...)
}

func getString(b []byte, o int) (string, int, error) {
	n, err := packets.ReadB16(b, o)
	if err != nil {
		return "", 0, errors.Wrap(ErrInvalidSyntax, "short string length")
	}
	o += 2
	if len(b) < o+int(n) {
		return "", 0, errors.Wrap(ErrInvalidSyntax, "string truncated")
	}
	return string(b[o : o+int(n)]), o + int(n), nil
}

func putStrings(b []byte, ss []string) []byte {
	b = append(b, uint8(len(ss)))
	for _, s := range ss {
		b = putString(b, s)
	}
	return b
}

func getStrings(b []byte, o int) ([]string, int, error) {
	n, err := packets.ReadB8(b, o)
	if err != nil {
		return nil, 0, errors.Wrap(ErrInvalidSyntax, "short list count")
	}
	o++
	var ss []string
	for i := 0; i < int(n); i++ {
		var s string
		if s, o, err = getString(b, o); err != nil {
			return nil, 0, err
		}
		ss = append(ss, s)
	}
	return ss, o, nil
}

func checkConsumed(b []byte, o int) error {
	if o != len(b) {
		return errors.Wrap(ErrInvalidSyntax,
			fmt.Sprintf("%d trailing bytes", len(b)-o))
	}
	return nil
}

func (m *Hello) Type() MessageType { return TypeHello }

func (m *Hello) Encode() (b []byte) {
	b = putBytes(b, m.Dat)
	b = putStrings(b, m.SupportedRa)
	b = putStrings(b, m.ExpectedRa)
	return
}

func (m *Hello) Decode(b []byte) (err error) {
	o := 0
	if m.Dat, o, err = getBytes(b, o); err != nil {
		return
	}
	if m.SupportedRa, o, err = getStrings(b, o); err != nil {
		return
	}
	if m.ExpectedRa, o, err = getStrings(b, o); err != nil {
		return
	}
	return checkConsumed(b, o)
}

func (m *Close) Type() MessageType { return TypeClose }

func (m *Close) Encode() (b []byte) {
	b = make([]byte, 2)
	packets.WriteB16(b, 0, uint16(m.Cause))
	return putString(b, m.Reason)
}

func (m *Close) Decode(b []byte) (err error) {
	cause, err := packets.ReadB16(b, 0)
	if err != nil {
		return errors.Wrap(ErrInvalidSyntax, "close cause")
	}
	m.Cause = CloseCause(cause)
	o := 2
	if m.Reason, o, err = getString(b, o); err != nil {
		return
	}
	return checkConsumed(b, o)
}

func (m *DatExpired) Type() MessageType { return TypeDatExpired }

func (m *DatExpired) Encode() []byte { return nil }

func (m *DatExpired) Decode(b []byte) error { return checkConsumed(b, 0) }

func (m *Dat) Type() MessageType { return TypeDat }

func (m *Dat) Encode() []byte { return putBytes(nil, m.Token) }

func (m *Dat) Decode(b []byte) (err error) {
	var o int
	if m.Token, o, err = getBytes(b, 0); err != nil {
		return
	}
	return checkConsumed(b, o)
}

func (m *RaProver) Type() MessageType { return TypeRaProver }

func (m *RaProver) Encode() []byte { return putBytes(nil, m.Data) }

func (m *RaProver) Decode(b []byte) (err error) {
	var o int
	if m.Data, o, err = getBytes(b, 0); err != nil {
		return
	}
	return checkConsumed(b, o)
}

func (m *RaVerifier) Type() MessageType { return TypeRaVerifier }

func (m *RaVerifier) Encode() []byte { return putBytes(nil, m.Data) }

func (m *RaVerifier) Decode(b []byte) (err error) {
	var o int
	if m.Data, o, err = getBytes(b, 0); err != nil {
		return
	}
	return checkConsumed(b, o)
}

func (m *ReRa) Type() MessageType { return TypeReRa }

func (m *ReRa) Encode() []byte { return putString(nil, m.Cause) }

func (m *ReRa) Decode(b []byte) (err error) {
	var o int
	if m.Cause, o, err = getString(b, 0); err != nil {
		return
	}
	return checkConsumed(b, o)
}

func (m *Ack) Type() MessageType { return TypeAck }

func (m *Ack) Encode() []byte { return []byte{m.Bit} }

func (m *Ack) Decode(b []byte) error {
	bit, err := packets.ReadB8(b, 0)
	if err != nil {
		return errors.Wrap(ErrInvalidSyntax, "ack bit")
	}
	if bit > 1 {
		return errors.Wrap(ErrInvalidSyntax, "ack bit out of range")
	}
	m.Bit = bit
	return checkConsumed(b, 1)
}

func (m *Data) Type() MessageType { return TypeData }

func (m *Data) Encode() (b []byte) {
	b = putBytes(nil, m.Payload)
	return append(b, m.Bit)
}

func (m *Data) Decode(b []byte) (err error) {
	var o int
	if m.Payload, o, err = getBytes(b, 0); err != nil {
		return
	}
	bit, err := packets.ReadB8(b, o)
	if err != nil {
		return errors.Wrap(ErrInvalidSyntax, "data bit")
	}
	if bit > 1 {
		return errors.Wrap(ErrInvalidSyntax, "data bit out of range")
	}
	m.Bit = bit
	return checkConsumed(b, o+1)
}
