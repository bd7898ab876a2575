package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

// CompactAddrLen is the size of an IPv4 address followed by a port.
const CompactAddrLen = 6

// Addr is a peer endpoint. Host is set instead of IP when a tracker hands out
// a DNS name.
type Addr struct {
	IP   net.IP
	Host string
	Port uint16
}

func (a Addr) String() string {
	host := a.Host
	if a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// IsUnspecified reports whether the tracker handed out 0.0.0.0 or :: instead of
// a reachable address.
func (a Addr) IsUnspecified() bool {
	if a.IP == nil {
		return a.Host == ""
	}
	return a.IP.IsUnspecified()
}

var ErrInvalidAddr = errors.New("invalid address")

// ReadFromBytes decodes a compact peer record: 4 bytes of IP and 2 bytes of
// port, both in network byte order.
func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != CompactAddrLen {
		return ErrInvalidAddr
	}

	ip := make(net.IP, net.IPv4len)
	copy(ip, b[:4])
	a.IP = ip
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// WriteToBytes is the inverse of ReadFromBytes.
func (a Addr) WriteToBytes(b []byte) error {
	ip4 := a.IP.To4()
	if len(b) < CompactAddrLen || ip4 == nil {
		return ErrInvalidAddr
	}

	copy(b[:4], ip4)
	binary.BigEndian.PutUint16(b[4:6], a.Port)

	return nil
}
