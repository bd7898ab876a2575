package logic

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/peer"
	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/WendelHime/gotorrent-core/internal/tracker"
	"github.com/WendelHime/gotorrent-core/internal/wire"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func compactPeer(ip string, port uint16) string {
	b := make([]byte, models.CompactAddrLen)
	copy(b, net.ParseIP(ip).To4())
	binary.BigEndian.PutUint16(b[4:], port)
	return string(b)
}

// trackerServer answers announces with response and scrapes with scrape.
func trackerServer(t *testing.T, response, scrape map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := response
		if strings.HasSuffix(r.URL.Path, "scrape") {
			body = scrape
		}
		assert.NoError(t, bencode.Marshal(w, body))
	}))
	t.Cleanup(server.Close)
	return server
}

func testMetafile(trackers ...string) models.Metafile {
	meta := models.Metafile{
		Info: models.Info{
			Name:         "sample.txt",
			Length:       3 * 16384,
			PieceLength:  16384,
			PiecesHashes: make([]models.Hash, 3),
		},
	}
	copy(meta.InfoHash[:], "01234567891012345678")
	if len(trackers) > 0 {
		meta.Announce = trackers[0]
		meta.AnnounceList = [][]string{trackers}
	}
	return meta
}

func TestGeneratePeerID(t *testing.T) {
	id := GeneratePeerID()
	assert.Len(t, id, 20)
	assert.True(t, strings.HasPrefix(id, peerIDPrefix))
	assert.Equal(t, id, NewAnnouncer(id, discard).PeerID())
	assert.Len(t, NewAnnouncer("", nil).PeerID(), 20)
}

func TestAnnounce(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T) models.Metafile
		assert func(t *testing.T, peers []models.Peer, err error)
	}{
		{
			name: "merges and de-duplicates peers",
			setup: func(t *testing.T) models.Metafile {
				first := trackerServer(t, map[string]interface{}{
					"interval": 60,
					"peers":    compactPeer("10.0.0.1", 6881) + compactPeer("0.0.0.0", 6881) + compactPeer("10.0.0.2", 6881),
				}, nil)
				second := trackerServer(t, map[string]interface{}{
					"interval": 60,
					"peers":    compactPeer("10.0.0.2", 6881) + compactPeer("10.0.0.3", 6882),
				}, nil)
				return testMetafile(first.URL+"/announce", second.URL+"/announce")
			},
			assert: func(t *testing.T, peers []models.Peer, err error) {
				require.NoError(t, err)
				addrs := make([]string, 0, len(peers))
				for _, p := range peers {
					addrs = append(addrs, p.Addr.String())
				}
				assert.ElementsMatch(t, []string{"10.0.0.1:6881", "10.0.0.2:6881", "10.0.0.3:6882"}, addrs)
			},
		},
		{
			name: "one failing tracker",
			setup: func(t *testing.T) models.Metafile {
				failing := trackerServer(t, map[string]interface{}{"failure reason": "unregistered torrent"}, nil)
				working := trackerServer(t, map[string]interface{}{"peers": compactPeer("10.0.0.9", 7000)}, nil)
				return testMetafile(failing.URL+"/announce", "wss://tracker.example.com/announce", working.URL+"/announce")
			},
			assert: func(t *testing.T, peers []models.Peer, err error) {
				require.NoError(t, err)
				require.Len(t, peers, 1)
				assert.Equal(t, "10.0.0.9:7000", peers[0].Addr.String())
			},
		},
		{
			name: "every tracker fails",
			setup: func(t *testing.T) models.Metafile {
				failing := trackerServer(t, map[string]interface{}{"failure reason": "unregistered torrent"}, nil)
				return testMetafile(failing.URL + "/announce")
			},
			assert: func(t *testing.T, peers []models.Peer, err error) {
				assert.ErrorIs(t, err, ErrAllTrackersFailed)
				assert.Empty(t, peers)
			},
		},
		{
			name: "no usable tracker",
			setup: func(t *testing.T) models.Metafile {
				return testMetafile("wss://tracker.example.com/announce")
			},
			assert: func(t *testing.T, peers []models.Peer, err error) {
				assert.ErrorIs(t, err, ErrNoTrackers)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			announcer := NewAnnouncer("", discard).WithTimeout(5 * time.Second)
			peers, err := announcer.Announce(context.Background(), tt.setup(t), Progress{Port: 6881, Left: 100, Event: tracker.EventStarted})
			tt.assert(t, peers, err)
		})
	}
}

func TestAnnounceReusesTrackers(t *testing.T) {
	requests := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.URL.Query().Get("trackerid")
		assert.NoError(t, bencode.Marshal(w, map[string]interface{}{"tracker id": "abc", "peers": ""}))
	}))
	defer server.Close()

	meta := testMetafile(server.URL+"/announce", strings.Replace(server.URL, "http://", "HTTP://", 1)+"/announce")
	announcer := NewAnnouncer("", discard)

	_, err := announcer.Announce(context.Background(), meta, Progress{Event: tracker.EventStarted})
	require.NoError(t, err)
	_, err = announcer.Announce(context.Background(), meta, Progress{})
	require.NoError(t, err)

	assert.Equal(t, "", <-requests)
	assert.Equal(t, "abc", <-requests)
	assert.Empty(t, requests)
}

func TestScrape(t *testing.T) {
	meta := testMetafile()
	scrapable := trackerServer(t, nil, map[string]interface{}{
		"files": map[string]interface{}{
			meta.InfoHash.Raw(): map[string]interface{}{"complete": 4, "downloaded": 9, "incomplete": 1},
		},
	})
	other := trackerServer(t, nil, map[string]interface{}{"files": map[string]interface{}{}})
	meta.Announce = scrapable.URL + "/announce"
	meta.AnnounceList = [][]string{{other.URL + "/announce"}, {"http://tracker.example.com/foo"}}

	stats, err := NewAnnouncer("", discard).Scrape(context.Background(), meta)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.True(t, stats[0].OK)
	assert.Equal(t, tracker.SwarmStats{Complete: 4, Downloaded: 9, Incomplete: 1}, stats[0].Stats)
	assert.False(t, stats[1].OK)
	assert.Equal(t, "torrent unknown to tracker", stats[1].Message)

	_, err = NewAnnouncer("", discard).Scrape(context.Background(), testMetafile("http://tracker.example.com/foo"))
	assert.ErrorIs(t, err, ErrNoScrapableTracker)
}

// fakePeer accepts one connection, answers the handshake and advertises bits.
func fakePeer(t *testing.T, infoHash models.Hash, bits byte) models.Peer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		handshake := make([]byte, 68)
		if _, err := io.ReadFull(conn, handshake); err != nil {
			return
		}
		reply := append([]byte{19}, "BitTorrent protocol"...)
		reply = append(reply, make([]byte, 8)...)
		reply = append(reply, infoHash[:]...)
		reply = append(reply, "-FP0001-000000000000"...)
		if _, err := conn.Write(reply); err != nil {
			return
		}
		if err := wire.WriteMessage(conn, &wire.Bitfield{Bits: []byte{bits}}); err != nil {
			return
		}
		io.Copy(io.Discard, conn)
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return models.Peer{Addr: models.Addr{IP: addr.IP.To4(), Port: uint16(addr.Port)}}
}

func TestProbe(t *testing.T) {
	meta := testMetafile()
	seed := fakePeer(t, meta.InfoHash, 0xE0)
	leech := fakePeer(t, meta.InfoHash, 0xA0)

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := closed.Addr().(*net.TCPAddr)
	closed.Close()
	unreachable := models.Peer{Addr: models.Addr{IP: closedAddr.IP.To4(), Port: uint16(closedAddr.Port)}}

	report, err := NewAnnouncer("", discard).Probe(context.Background(), meta, []models.Peer{leech, unreachable, seed}, 500*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Seeds)
	assert.Equal(t, 1, report.Leechs)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Peers, 3)
	assert.Equal(t, seed.Addr.String(), report.Peers[0].Addr.String())
	assert.Equal(t, peer.Seed, report.Peers[0].Type)
	assert.Equal(t, 3, report.Peers[0].Pieces)
	assert.Equal(t, "-FP0001-000000000000", report.Peers[0].PeerID)
	assert.Equal(t, peer.Leech, report.Peers[1].Type)
	assert.Equal(t, 2, report.Peers[1].Pieces)
	assert.Error(t, report.Peers[2].Err)
}
