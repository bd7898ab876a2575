// Package wire implements the peer wire protocol framing: every message is a
// 4-byte big-endian length followed by a 1-byte id and the id's payload.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
)

const (
	lengthPrefixLen = 4
	idLen           = 1
	headerLen       = lengthPrefixLen + idLen
)

var (
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrInvalidLength  = errors.New("invalid message length")
	ErrUnknownMessage = errors.New("unknown message id")
)

// Message is one of the peer wire message variants defined in this package.
type Message interface {
	// ID is the message id. KeepAlive has none and reports ok == false.
	ID() (id models.MessageID, ok bool)
	// ByteLength is the framed size: length prefix, id and payload.
	ByteLength() int
	// Encode writes the framed message at offset and returns the bytes written.
	Encode(buf []byte, offset int) (int, error)
	// Decode parses a payload whose length prefix and id were already consumed.
	Decode(buf []byte, offset, length int) error

	sealed()
}

type KeepAlive struct{}

type Choke struct{}

type Unchoke struct{}

type Interested struct{}

type NotInterested struct{}

type Have struct {
	PieceIndex int32
}

type Bitfield struct {
	Bits []byte
}

type Request struct {
	Index  int32
	Begin  int32
	Length int32
}

type Piece struct {
	Index int32
	Begin int32
	Block []byte
}

type Cancel struct {
	Index  int32
	Begin  int32
	Length int32
}

type Port struct {
	Port uint16
}

func (*KeepAlive) sealed()     {}
func (*Choke) sealed()         {}
func (*Unchoke) sealed()       {}
func (*Interested) sealed()    {}
func (*NotInterested) sealed() {}
func (*Have) sealed()          {}
func (*Bitfield) sealed()      {}
func (*Request) sealed()       {}
func (*Piece) sealed()         {}
func (*Cancel) sealed()        {}
func (*Port) sealed()          {}

func (*KeepAlive) ID() (models.MessageID, bool)     { return 0, false }
func (*Choke) ID() (models.MessageID, bool)         { return models.MessageIDChoke, true }
func (*Unchoke) ID() (models.MessageID, bool)       { return models.MessageIDUnchoke, true }
func (*Interested) ID() (models.MessageID, bool)    { return models.MessageIDInterested, true }
func (*NotInterested) ID() (models.MessageID, bool) { return models.MessageIDNotInterested, true }
func (*Have) ID() (models.MessageID, bool)          { return models.MessageIDHave, true }
func (*Bitfield) ID() (models.MessageID, bool)      { return models.MessageIDBitfield, true }
func (*Request) ID() (models.MessageID, bool)       { return models.MessageIDRequest, true }
func (*Piece) ID() (models.MessageID, bool)         { return models.MessageIDPiece, true }
func (*Cancel) ID() (models.MessageID, bool)        { return models.MessageIDCancel, true }
func (*Port) ID() (models.MessageID, bool)          { return models.MessageIDPort, true }

func (*KeepAlive) ByteLength() int     { return lengthPrefixLen }
func (*Choke) ByteLength() int         { return headerLen }
func (*Unchoke) ByteLength() int       { return headerLen }
func (*Interested) ByteLength() int    { return headerLen }
func (*NotInterested) ByteLength() int { return headerLen }
func (*Have) ByteLength() int          { return headerLen + 4 }
func (m *Bitfield) ByteLength() int    { return headerLen + len(m.Bits) }
func (*Request) ByteLength() int       { return headerLen + 12 }
func (m *Piece) ByteLength() int       { return headerLen + 8 + len(m.Block) }
func (*Cancel) ByteLength() int        { return headerLen + 12 }
func (*Port) ByteLength() int          { return headerLen + 2 }

func (m *KeepAlive) Encode(buf []byte, offset int) (int, error) {
	if err := checkCapacity(buf, offset, m.ByteLength()); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[offset:], 0)
	return m.ByteLength(), nil
}

func (m *Choke) Encode(buf []byte, offset int) (int, error)   { return encodeEmpty(m, buf, offset) }
func (m *Unchoke) Encode(buf []byte, offset int) (int, error) { return encodeEmpty(m, buf, offset) }
func (m *Interested) Encode(buf []byte, offset int) (int, error) {
	return encodeEmpty(m, buf, offset)
}
func (m *NotInterested) Encode(buf []byte, offset int) (int, error) {
	return encodeEmpty(m, buf, offset)
}

func (m *Have) Encode(buf []byte, offset int) (int, error) {
	n, err := writeHeader(m, buf, offset)
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[offset+n:], uint32(m.PieceIndex))
	return m.ByteLength(), nil
}

func (m *Bitfield) Encode(buf []byte, offset int) (int, error) {
	n, err := writeHeader(m, buf, offset)
	if err != nil {
		return 0, err
	}
	copy(buf[offset+n:], m.Bits)
	return m.ByteLength(), nil
}

func (m *Request) Encode(buf []byte, offset int) (int, error) {
	return encodeTriple(m, buf, offset, m.Index, m.Begin, m.Length)
}

func (m *Cancel) Encode(buf []byte, offset int) (int, error) {
	return encodeTriple(m, buf, offset, m.Index, m.Begin, m.Length)
}

func (m *Piece) Encode(buf []byte, offset int) (int, error) {
	n, err := writeHeader(m, buf, offset)
	if err != nil {
		return 0, err
	}
	p := offset + n
	binary.BigEndian.PutUint32(buf[p:], uint32(m.Index))
	binary.BigEndian.PutUint32(buf[p+4:], uint32(m.Begin))
	copy(buf[p+8:], m.Block)
	return m.ByteLength(), nil
}

func (m *Port) Encode(buf []byte, offset int) (int, error) {
	n, err := writeHeader(m, buf, offset)
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(buf[offset+n:], m.Port)
	return m.ByteLength(), nil
}

func (*KeepAlive) Decode(buf []byte, offset, length int) error {
	return decodeEmpty(buf, offset, length)
}

func (*Choke) Decode(buf []byte, offset, length int) error {
	return decodeEmpty(buf, offset, length)
}

func (*Unchoke) Decode(buf []byte, offset, length int) error {
	return decodeEmpty(buf, offset, length)
}

func (*Interested) Decode(buf []byte, offset, length int) error {
	return decodeEmpty(buf, offset, length)
}

func (*NotInterested) Decode(buf []byte, offset, length int) error {
	return decodeEmpty(buf, offset, length)
}

// Decode reads the 4-byte piece index at offset. A longer length is left to
// the framing layer to reject.
func (m *Have) Decode(buf []byte, offset, length int) error {
	if length < 4 || !available(buf, offset, 4) {
		return ErrInvalidLength
	}
	m.PieceIndex = int32(binary.BigEndian.Uint32(buf[offset:]))
	return nil
}

func (m *Bitfield) Decode(buf []byte, offset, length int) error {
	if length < 0 || !available(buf, offset, length) {
		return ErrInvalidLength
	}
	m.Bits = make([]byte, length)
	copy(m.Bits, buf[offset:offset+length])
	return nil
}

func (m *Request) Decode(buf []byte, offset, length int) error {
	return decodeTriple(buf, offset, length, &m.Index, &m.Begin, &m.Length)
}

func (m *Cancel) Decode(buf []byte, offset, length int) error {
	return decodeTriple(buf, offset, length, &m.Index, &m.Begin, &m.Length)
}

func (m *Piece) Decode(buf []byte, offset, length int) error {
	if length < 8 || !available(buf, offset, length) {
		return ErrInvalidLength
	}
	m.Index = int32(binary.BigEndian.Uint32(buf[offset:]))
	m.Begin = int32(binary.BigEndian.Uint32(buf[offset+4:]))
	m.Block = make([]byte, length-8)
	copy(m.Block, buf[offset+8:offset+length])
	return nil
}

func (m *Port) Decode(buf []byte, offset, length int) error {
	if length != 2 || !available(buf, offset, 2) {
		return ErrInvalidLength
	}
	m.Port = binary.BigEndian.Uint16(buf[offset:])
	return nil
}

func available(buf []byte, offset, n int) bool {
	return offset >= 0 && n >= 0 && len(buf)-offset >= n
}

func checkCapacity(buf []byte, offset, n int) error {
	if !available(buf, offset, n) {
		return ErrBufferTooSmall
	}
	return nil
}

// writeHeader writes the length prefix and id and returns the header size.
func writeHeader(m Message, buf []byte, offset int) (int, error) {
	total := m.ByteLength()
	if err := checkCapacity(buf, offset, total); err != nil {
		return 0, err
	}
	id, _ := m.ID()
	binary.BigEndian.PutUint32(buf[offset:], uint32(total-lengthPrefixLen))
	buf[offset+lengthPrefixLen] = byte(id)
	return headerLen, nil
}

func encodeEmpty(m Message, buf []byte, offset int) (int, error) {
	return writeHeader(m, buf, offset)
}

func encodeTriple(m Message, buf []byte, offset int, a, b, c int32) (int, error) {
	n, err := writeHeader(m, buf, offset)
	if err != nil {
		return 0, err
	}
	p := offset + n
	binary.BigEndian.PutUint32(buf[p:], uint32(a))
	binary.BigEndian.PutUint32(buf[p+4:], uint32(b))
	binary.BigEndian.PutUint32(buf[p+8:], uint32(c))
	return m.ByteLength(), nil
}

func decodeEmpty(buf []byte, offset, length int) error {
	if length != 0 || offset < 0 || offset > len(buf) {
		return ErrInvalidLength
	}
	return nil
}

func decodeTriple(buf []byte, offset, length int, a, b, c *int32) error {
	if length != 12 || !available(buf, offset, 12) {
		return ErrInvalidLength
	}
	*a = int32(binary.BigEndian.Uint32(buf[offset:]))
	*b = int32(binary.BigEndian.Uint32(buf[offset+4:]))
	*c = int32(binary.BigEndian.Uint32(buf[offset+8:]))
	return nil
}
