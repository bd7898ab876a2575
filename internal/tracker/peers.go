package tracker

import (
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/go-viper/mapstructure/v2"
)

var ErrInvalidPeerList = errors.New("invalid peer list")

// DecodeCompactPeers parses concatenated 6-byte peer records.
func DecodeCompactPeers(data []byte) ([]models.Peer, error) {
	if len(data)%models.CompactAddrLen != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidPeerList, len(data), models.CompactAddrLen)
	}

	peers := make([]models.Peer, 0, len(data)/models.CompactAddrLen)
	for i := 0; i < len(data); i += models.CompactAddrLen {
		var addr models.Addr
		if err := addr.ReadFromBytes(data[i : i+models.CompactAddrLen]); err != nil {
			return nil, err
		}
		peers = append(peers, models.Peer{Addr: addr})
	}
	return peers, nil
}

type peerDict struct {
	PeerID string `mapstructure:"peer id"`
	IP     string `mapstructure:"ip"`
	Port   int64  `mapstructure:"port"`
}

// DecodePeerDicts parses the non-compact form: a list of dictionaries holding
// "peer id", "ip" and "port".
func DecodePeerDicts(list []interface{}) ([]models.Peer, error) {
	peers := make([]models.Peer, 0, len(list))
	for i, item := range list {
		var dict peerDict
		if err := mapstructure.Decode(item, &dict); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrInvalidPeerList, i, err)
		}

		if dict.Port < 0 || dict.Port > math.MaxUint16 {
			return nil, fmt.Errorf("%w: entry %d: port %d out of range", ErrInvalidPeerList, i, dict.Port)
		}
		if dict.IP == "" {
			return nil, fmt.Errorf("%w: entry %d: missing ip", ErrInvalidPeerList, i)
		}

		// The ip key may hold a DNS name.
		addr := models.Addr{Port: uint16(dict.Port)}
		if ip := net.ParseIP(dict.IP); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			addr.IP = ip
		} else {
			addr.Host = dict.IP
		}

		peers = append(peers, models.Peer{Addr: addr, PeerID: dict.PeerID})
	}
	return peers, nil
}
