package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
)

// MaxMessageLength bounds the length prefix accepted from a peer. Large
// bitfields and 16 KiB blocks fit comfortably.
const MaxMessageLength = 1 << 20

var (
	ErrIncomplete      = errors.New("incomplete message")
	ErrMessageTooLarge = errors.New("message too large")
)

// fixedPayload holds the payload size of every variant that has one.
var fixedPayload = map[models.MessageID]int{
	models.MessageIDChoke:         0,
	models.MessageIDUnchoke:       0,
	models.MessageIDInterested:    0,
	models.MessageIDNotInterested: 0,
	models.MessageIDHave:          4,
	models.MessageIDRequest:       12,
	models.MessageIDCancel:        12,
	models.MessageIDPort:          2,
}

func newMessage(id models.MessageID) (Message, error) {
	switch id {
	case models.MessageIDChoke:
		return &Choke{}, nil
	case models.MessageIDUnchoke:
		return &Unchoke{}, nil
	case models.MessageIDInterested:
		return &Interested{}, nil
	case models.MessageIDNotInterested:
		return &NotInterested{}, nil
	case models.MessageIDHave:
		return &Have{}, nil
	case models.MessageIDBitfield:
		return &Bitfield{}, nil
	case models.MessageIDRequest:
		return &Request{}, nil
	case models.MessageIDPiece:
		return &Piece{}, nil
	case models.MessageIDCancel:
		return &Cancel{}, nil
	case models.MessageIDPort:
		return &Port{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
}

// DecodePayload builds the variant for id from a payload of length bytes at
// offset.
func DecodePayload(id models.MessageID, buf []byte, offset, length int) (Message, error) {
	msg, err := newMessage(id)
	if err != nil {
		return nil, err
	}
	if size, ok := fixedPayload[id]; ok && size != length {
		return nil, fmt.Errorf("%w: %s payload of %d bytes", ErrInvalidLength, id, length)
	}
	if err := msg.Decode(buf, offset, length); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", id, err)
	}
	return msg, nil
}

// Parse decodes the first frame in buf. While the frame is only partially
// available it returns ErrIncomplete and consumes nothing, so the caller can
// retry once more bytes arrive.
func Parse(buf []byte) (Message, int, error) {
	if len(buf) < lengthPrefixLen {
		return nil, 0, ErrIncomplete
	}

	length := binary.BigEndian.Uint32(buf)
	if length > MaxMessageLength {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}
	total := lengthPrefixLen + int(length)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	if length == 0 {
		return &KeepAlive{}, total, nil
	}

	id := models.MessageID(buf[lengthPrefixLen])
	msg, err := DecodePayload(id, buf, headerLen, int(length)-idLen)
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

// Marshal returns the framed bytes of msg.
func Marshal(msg Message) ([]byte, error) {
	buf := make([]byte, msg.ByteLength())
	n, err := msg.Encode(buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ReadMessage reads exactly one frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [lengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return &KeepAlive{}, nil
	}
	if length > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return DecodePayload(models.MessageID(body[0]), body, idLen, len(body)-idLen)
}

func WriteMessage(w io.Writer, msg Message) error {
	buf, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
