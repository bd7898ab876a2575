package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
)

// Datagram layouts from BEP 15. Fields sit at fixed positions; nothing carries
// a length prefix.

const protocolID uint64 = 0x41727101980

type action uint32

const (
	actionConnect action = iota
	actionAnnounce
	actionScrape
	actionError
)

const (
	connectLen            = 16
	announceRequestLen    = 98
	announceHeaderLen     = 20
	scrapeHeaderLen       = 16
	scrapeEntryLen        = 12
	responseHeaderLen     = 8
	passwordLen           = 8
	extensionFieldLen     = 2
	extensionAuthenticate = 1
)

var (
	errShortDatagram       = errors.New("datagram too short")
	errUnexpectedAction    = errors.New("unexpected action")
	errTransactionMismatch = errors.New("transaction id mismatch")
)

// udpEvent maps an event to its datagram code, which differs from the order of
// TorrentEvent.
func udpEvent(e TorrentEvent) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

type connectRequest struct {
	TransactionID uint32
}

func (m *connectRequest) ByteLength() int { return connectLen }

func (m *connectRequest) Encode(buf []byte, offset int) (int, error) {
	if len(buf)-offset < connectLen {
		return 0, errShortDatagram
	}
	binary.BigEndian.PutUint64(buf[offset:], protocolID)
	binary.BigEndian.PutUint32(buf[offset+8:], uint32(actionConnect))
	binary.BigEndian.PutUint32(buf[offset+12:], m.TransactionID)
	return connectLen, nil
}

type connectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

func (m *connectResponse) ByteLength() int { return connectLen }

func (m *connectResponse) Encode(buf []byte, offset int) (int, error) {
	if len(buf)-offset < connectLen {
		return 0, errShortDatagram
	}
	binary.BigEndian.PutUint32(buf[offset:], uint32(actionConnect))
	binary.BigEndian.PutUint32(buf[offset+4:], m.TransactionID)
	binary.BigEndian.PutUint64(buf[offset+8:], m.ConnectionID)
	return connectLen, nil
}

func (m *connectResponse) Decode(buf []byte, offset, length int) error {
	if length < connectLen || len(buf)-offset < connectLen {
		return errShortDatagram
	}
	m.TransactionID = binary.BigEndian.Uint32(buf[offset+4:])
	m.ConnectionID = binary.BigEndian.Uint64(buf[offset+8:])
	return nil
}

// AuthenticationMessage is the optional announce extension carrying tracker
// account credentials: a length-prefixed ASCII username and 8 password bytes.
type AuthenticationMessage struct {
	Username string
	Password [passwordLen]byte
}

// ByteLength is the space Encode requires at its offset.
func (m *AuthenticationMessage) ByteLength() int {
	return 4 + len(m.Username) + passwordLen
}

func (m *AuthenticationMessage) encodedLen() int {
	return 1 + len(m.Username) + passwordLen
}

func (m *AuthenticationMessage) Encode(buf []byte, offset int) (int, error) {
	if len(m.Username) > 255 {
		return 0, fmt.Errorf("username of %d bytes does not fit a length byte", len(m.Username))
	}
	if len(buf)-offset < m.encodedLen() {
		return 0, errShortDatagram
	}

	written := 0
	buf[offset] = byte(len(m.Username))
	written++
	written += copy(buf[offset+written:], m.Username)
	written += copy(buf[offset+written:], m.Password[:])
	return written, nil
}

func (m *AuthenticationMessage) Decode(buf []byte, offset, length int) error {
	if length < 1 || len(buf)-offset < 1 {
		return errShortDatagram
	}
	usernameLen := int(buf[offset])
	need := 1 + usernameLen + passwordLen
	if length < need || len(buf)-offset < need {
		return errShortDatagram
	}

	m.Username = string(buf[offset+1 : offset+1+usernameLen])
	copy(m.Password[:], buf[offset+1+usernameLen:offset+need])
	return nil
}

type announceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      models.Hash
	PeerID        [20]byte
	Downloaded    int64
	Left          int64
	Uploaded      int64
	Event         uint32
	IP            uint32
	Key           uint32
	NumWant       int32
	Port          uint16
	Auth          *AuthenticationMessage
}

func (m *announceRequest) ByteLength() int {
	if m.Auth == nil {
		return announceRequestLen
	}
	return announceRequestLen + extensionFieldLen + m.Auth.ByteLength()
}

func (m *announceRequest) Encode(buf []byte, offset int) (int, error) {
	if len(buf)-offset < announceRequestLen {
		return 0, errShortDatagram
	}

	b := buf[offset:]
	binary.BigEndian.PutUint64(b[0:], m.ConnectionID)
	binary.BigEndian.PutUint32(b[8:], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(b[12:], m.TransactionID)
	copy(b[16:36], m.InfoHash[:])
	copy(b[36:56], m.PeerID[:])
	binary.BigEndian.PutUint64(b[56:], uint64(m.Downloaded))
	binary.BigEndian.PutUint64(b[64:], uint64(m.Left))
	binary.BigEndian.PutUint64(b[72:], uint64(m.Uploaded))
	binary.BigEndian.PutUint32(b[80:], m.Event)
	binary.BigEndian.PutUint32(b[84:], m.IP)
	binary.BigEndian.PutUint32(b[88:], m.Key)
	binary.BigEndian.PutUint32(b[92:], uint32(m.NumWant))
	binary.BigEndian.PutUint16(b[96:], m.Port)

	if m.Auth == nil {
		return announceRequestLen, nil
	}

	if len(b) < announceRequestLen+extensionFieldLen {
		return 0, errShortDatagram
	}
	binary.BigEndian.PutUint16(b[announceRequestLen:], extensionAuthenticate)
	n, err := m.Auth.Encode(buf, offset+announceRequestLen+extensionFieldLen)
	if err != nil {
		return 0, err
	}
	return announceRequestLen + extensionFieldLen + n, nil
}

type announceResponse struct {
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []models.Peer
}

func (m *announceResponse) ByteLength() int {
	return announceHeaderLen + len(m.Peers)*models.CompactAddrLen
}

func (m *announceResponse) Encode(buf []byte, offset int) (int, error) {
	if len(buf)-offset < m.ByteLength() {
		return 0, errShortDatagram
	}
	b := buf[offset:]
	binary.BigEndian.PutUint32(b[0:], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(b[4:], m.TransactionID)
	binary.BigEndian.PutUint32(b[8:], m.Interval)
	binary.BigEndian.PutUint32(b[12:], m.Leechers)
	binary.BigEndian.PutUint32(b[16:], m.Seeders)
	for i, p := range m.Peers {
		start := announceHeaderLen + i*models.CompactAddrLen
		if err := p.Addr.WriteToBytes(b[start : start+models.CompactAddrLen]); err != nil {
			return 0, err
		}
	}
	return m.ByteLength(), nil
}

func (m *announceResponse) Decode(buf []byte, offset, length int) error {
	if length < announceHeaderLen || len(buf)-offset < length {
		return errShortDatagram
	}
	b := buf[offset : offset+length]
	m.TransactionID = binary.BigEndian.Uint32(b[4:])
	m.Interval = binary.BigEndian.Uint32(b[8:])
	m.Leechers = binary.BigEndian.Uint32(b[12:])
	m.Seeders = binary.BigEndian.Uint32(b[16:])

	peers, err := DecodeCompactPeers(b[announceHeaderLen:])
	if err != nil {
		return err
	}
	m.Peers = peers
	return nil
}

type scrapeRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHashes    []models.Hash
}

func (m *scrapeRequest) ByteLength() int {
	return scrapeHeaderLen + len(m.InfoHashes)*models.HashLen
}

func (m *scrapeRequest) Encode(buf []byte, offset int) (int, error) {
	if len(buf)-offset < m.ByteLength() {
		return 0, errShortDatagram
	}
	b := buf[offset:]
	binary.BigEndian.PutUint64(b[0:], m.ConnectionID)
	binary.BigEndian.PutUint32(b[8:], uint32(actionScrape))
	binary.BigEndian.PutUint32(b[12:], m.TransactionID)
	for i, hash := range m.InfoHashes {
		copy(b[scrapeHeaderLen+i*models.HashLen:], hash[:])
	}
	return m.ByteLength(), nil
}

type scrapeResponse struct {
	TransactionID uint32
	Stats         []SwarmStats
}

func (m *scrapeResponse) ByteLength() int {
	return responseHeaderLen + len(m.Stats)*scrapeEntryLen
}

func (m *scrapeResponse) Encode(buf []byte, offset int) (int, error) {
	if len(buf)-offset < m.ByteLength() {
		return 0, errShortDatagram
	}
	b := buf[offset:]
	binary.BigEndian.PutUint32(b[0:], uint32(actionScrape))
	binary.BigEndian.PutUint32(b[4:], m.TransactionID)
	for i, s := range m.Stats {
		entry := b[responseHeaderLen+i*scrapeEntryLen:]
		binary.BigEndian.PutUint32(entry[0:], uint32(s.Complete))
		binary.BigEndian.PutUint32(entry[4:], uint32(s.Downloaded))
		binary.BigEndian.PutUint32(entry[8:], uint32(s.Incomplete))
	}
	return m.ByteLength(), nil
}

func (m *scrapeResponse) Decode(buf []byte, offset, length int) error {
	if length < responseHeaderLen || len(buf)-offset < length {
		return errShortDatagram
	}
	b := buf[offset : offset+length]
	m.TransactionID = binary.BigEndian.Uint32(b[4:])

	entries := b[responseHeaderLen:]
	if len(entries)%scrapeEntryLen != 0 {
		return fmt.Errorf("%w: scrape entries of %d bytes", errShortDatagram, len(entries))
	}
	m.Stats = make([]SwarmStats, 0, len(entries)/scrapeEntryLen)
	for i := 0; i < len(entries); i += scrapeEntryLen {
		m.Stats = append(m.Stats, SwarmStats{
			Complete:   int64(binary.BigEndian.Uint32(entries[i:])),
			Downloaded: int64(binary.BigEndian.Uint32(entries[i+4:])),
			Incomplete: int64(binary.BigEndian.Uint32(entries[i+8:])),
		})
	}
	return nil
}

type errorResponse struct {
	TransactionID uint32
	Message       string
}

func (m *errorResponse) ByteLength() int { return responseHeaderLen + len(m.Message) }

func (m *errorResponse) Encode(buf []byte, offset int) (int, error) {
	if len(buf)-offset < m.ByteLength() {
		return 0, errShortDatagram
	}
	binary.BigEndian.PutUint32(buf[offset:], uint32(actionError))
	binary.BigEndian.PutUint32(buf[offset+4:], m.TransactionID)
	copy(buf[offset+responseHeaderLen:], m.Message)
	return m.ByteLength(), nil
}

func (m *errorResponse) Decode(buf []byte, offset, length int) error {
	if length < responseHeaderLen || len(buf)-offset < length {
		return errShortDatagram
	}
	m.TransactionID = binary.BigEndian.Uint32(buf[offset+4:])
	m.Message = string(buf[offset+responseHeaderLen : offset+length])
	return nil
}

// trackerError is a failure the tracker reported through an error datagram.
type trackerError string

func (e trackerError) Error() string { return string(e) }

// decodeResponse reads the action of datagram, checks the transaction id and
// decodes into want. Error datagrams come back as trackerError.
func decodeResponse(datagram []byte, transactionID uint32, want action, into interface {
	Decode(buf []byte, offset, length int) error
}) error {
	if len(datagram) < responseHeaderLen {
		return errShortDatagram
	}

	got := action(binary.BigEndian.Uint32(datagram))
	if binary.BigEndian.Uint32(datagram[4:]) != transactionID {
		return errTransactionMismatch
	}

	if got == actionError {
		var e errorResponse
		if err := e.Decode(datagram, 0, len(datagram)); err != nil {
			return err
		}
		return trackerError(e.Message)
	}
	if got != want {
		return fmt.Errorf("%w: got %d, want %d", errUnexpectedAction, got, want)
	}

	return into.Decode(datagram, 0, len(datagram))
}
