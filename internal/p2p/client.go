package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/WendelHime/gotorrent-core/internal/peer"
	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/WendelHime/gotorrent-core/internal/wire"
)

const (
	protocolName  = "BitTorrent protocol"
	handshakeLen  = 1 + len(protocolName) + 8 + models.HashLen + 20
	infoHashStart = 1 + len(protocolName) + 8
)

var (
	ErrInvalidHandshake = errors.New("invalid handshake")
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrNotConnected     = errors.New("not connected")
)

type P2PClient interface {
	Connect(ctx context.Context, address models.Addr) error
	Disconnect() error
	Handshake(hash models.Hash) (peerID string, err error)
	ReadMessage() (wire.Message, error)
	WriteMessage(msg wire.Message) error
	Serve(ctx context.Context, registry *peer.Registry, id peer.ConnID) error
}

type client struct {
	clientID string
	conn     net.Conn
	dialer   *net.Dialer
	log      *slog.Logger
}

func NewClient(clientID string, logger *slog.Logger) P2PClient {
	return &client{clientID: clientID, dialer: &net.Dialer{}, log: logger}
}

// NewClientFromConn wraps an already established connection.
func NewClientFromConn(clientID string, conn net.Conn, logger *slog.Logger) P2PClient {
	return &client{clientID: clientID, conn: conn, dialer: &net.Dialer{}, log: logger}
}

func (c *client) Connect(ctx context.Context, address models.Addr) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", address.String())
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *client) Disconnect() error {
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

type handshake struct {
	InfoHash models.Hash
	PeerID   string
}

func (h handshake) Bytes() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID...)
	return buf
}

// Handshake exchanges handshakes and returns the remote peer id.
func (c *client) Handshake(hash models.Hash) (string, error) {
	if c.conn == nil {
		return "", ErrNotConnected
	}

	req := handshake{InfoHash: hash, PeerID: c.clientID}
	if _, err := c.conn.Write(req.Bytes()); err != nil {
		return "", err
	}

	resp := make([]byte, handshakeLen)
	if _, err := io.ReadFull(c.conn, resp); err != nil {
		return "", err
	}

	remote, err := decodeHandshake(resp)
	if err != nil {
		return "", err
	}
	if remote.InfoHash != hash {
		return "", ErrInfoHashMismatch
	}

	return remote.PeerID, nil
}

func decodeHandshake(buf []byte) (handshake, error) {
	if len(buf) != handshakeLen || int(buf[0]) != len(protocolName) ||
		!bytes.Equal(buf[1:1+len(protocolName)], []byte(protocolName)) {
		return handshake{}, ErrInvalidHandshake
	}

	var h handshake
	copy(h.InfoHash[:], buf[infoHashStart:infoHashStart+models.HashLen])
	h.PeerID = string(buf[infoHashStart+models.HashLen:])
	return h, nil
}

func (c *client) WriteMessage(msg wire.Message) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return wire.WriteMessage(c.conn, msg)
}

func (c *client) ReadMessage() (wire.Message, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return wire.ReadMessage(c.conn)
}

// Serve reads messages until the connection fails or ctx is done and applies
// each one to the connection's state in registry.
func (c *client) Serve(ctx context.Context, registry *peer.Registry, id peer.ConnID) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if err := registry.Handle(id, msg); err != nil {
			c.log.Warn("failed to handle peer message", slog.Any("conn", id), slog.String("message", fmt.Sprintf("%T", msg)), slog.Any("error", err))
			return err
		}
	}
}
