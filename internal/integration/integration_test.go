package integration

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/decoder"
	"github.com/WendelHime/gotorrent-core/internal/logic"
	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/cucumber/godog"
	"github.com/jackpal/bencode-go"
)

type torrentInfo struct {
	Name        string `bencode:"name"`
	Length      int    `bencode:"length"`
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
}

type torrentFile struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         torrentInfo `bencode:"info"`
}

type IntegrationTest struct {
	Announcer logic.Announcer
	trackers  []string
	closers   []io.Closer
	meta      models.Metafile
	peers     []models.Peer
	stats     []logic.TrackerStats
	err       error
}

func knownPeers(count int) string {
	var b strings.Builder
	for i := 0; i < count; i++ {
		peer := make([]byte, models.CompactAddrLen)
		copy(peer, net.IPv4(10, 1, 0, byte(i+1)).To4())
		binary.BigEndian.PutUint16(peer[4:], 6881)
		b.Write(peer)
	}
	return b.String()
}

func (i *IntegrationTest) aHTTPTrackerThatKnowsPeers(count int) error {
	peers := knownPeers(count)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/scrape") {
			bencode.Marshal(w, map[string]interface{}{
				"files": map[string]interface{}{
					r.URL.Query().Get("info_hash"): map[string]interface{}{"complete": count, "downloaded": 0, "incomplete": 0},
				},
			})
			return
		}
		bencode.Marshal(w, map[string]interface{}{"interval": 1800, "peers": peers})
	}))
	i.closers = append(i.closers, closerFunc(func() error { server.Close(); return nil }))
	i.trackers = append(i.trackers, server.URL+"/announce")
	return nil
}

func (i *IntegrationTest) aHTTPTrackerThatFailsWith(reason string) error {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, map[string]interface{}{"failure reason": reason})
	}))
	i.closers = append(i.closers, closerFunc(func() error { server.Close(); return nil }))
	i.trackers = append(i.trackers, server.URL+"/announce")
	return nil
}

// aUDPTrackerThatKnowsPeers serves the connect and announce actions of BEP 15.
func (i *IntegrationTest) aUDPTrackerThatKnowsPeers(count int) error {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	i.closers = append(i.closers, conn)
	i.trackers = append(i.trackers, "udp://"+conn.LocalAddr().String())
	peers := knownPeers(count)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 16 {
				continue
			}
			action := binary.BigEndian.Uint32(buf[8:])
			transactionID := binary.BigEndian.Uint32(buf[12:])

			var reply []byte
			switch action {
			case 0:
				reply = make([]byte, 16)
				binary.BigEndian.PutUint32(reply[4:], transactionID)
				binary.BigEndian.PutUint64(reply[8:], 42)
			case 1:
				reply = make([]byte, 20, 20+len(peers))
				binary.BigEndian.PutUint32(reply, 1)
				binary.BigEndian.PutUint32(reply[4:], transactionID)
				binary.BigEndian.PutUint32(reply[8:], 1800)
				reply = append(reply, peers...)
			default:
				continue
			}
			conn.WriteTo(reply, addr)
		}
	}()
	return nil
}

func (i *IntegrationTest) aTorrentAnnouncingToEveryTracker() error {
	if len(i.trackers) == 0 {
		return errors.New("no tracker started")
	}

	var buf bytes.Buffer
	err := bencode.Marshal(&buf, torrentFile{
		Announce:     i.trackers[0],
		AnnounceList: [][]string{i.trackers},
		Info: torrentInfo{
			Name:        "sample.txt",
			Length:      16384,
			PieceLength: 16384,
			Pieces:      strings.Repeat("x", 20),
		},
	})
	if err != nil {
		return err
	}

	i.meta, err = decoder.NewDecoder(discard).Decode(&buf)
	return err
}

func (i *IntegrationTest) iAnnounce() error {
	i.peers, i.err = i.Announcer.Announce(context.Background(), i.meta, logic.Progress{
		Port: 6881,
		Left: int64(i.meta.Info.TotalLength()),
	})
	return nil
}

func (i *IntegrationTest) iScrape() error {
	i.stats, i.err = i.Announcer.Scrape(context.Background(), i.meta)
	return i.err
}

func (i *IntegrationTest) iShouldReceivePeers(count int) error {
	if i.err != nil {
		return i.err
	}
	if len(i.peers) != count {
		return fmt.Errorf("expected %d peers, got %d", count, len(i.peers))
	}
	return nil
}

func (i *IntegrationTest) theAnnounceShouldFail() error {
	if !errors.Is(i.err, logic.ErrAllTrackersFailed) {
		return fmt.Errorf("expected %v, got %v", logic.ErrAllTrackersFailed, i.err)
	}
	return nil
}

func (i *IntegrationTest) theTrackerShouldReportSeeders(count int) error {
	if len(i.stats) != 1 {
		return fmt.Errorf("expected one scrape result, got %d", len(i.stats))
	}
	if !i.stats[0].OK || i.stats[0].Stats.Complete != int64(count) {
		return fmt.Errorf("expected %d seeders, got %+v", count, i.stats[0])
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func InitializeScenario(ctx *godog.ScenarioContext) {
	i := &IntegrationTest{}
	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		*i = IntegrationTest{Announcer: logic.NewAnnouncer("", discard).WithTimeout(5 * time.Second)}
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		for _, c := range i.closers {
			c.Close()
		}
		return ctx, nil
	})

	ctx.Step(`^a HTTP tracker that knows (\d+) peers$`, i.aHTTPTrackerThatKnowsPeers)
	ctx.Step(`^a HTTP tracker that fails with "([^"]*)"$`, i.aHTTPTrackerThatFailsWith)
	ctx.Step(`^a UDP tracker that knows (\d+) peers$`, i.aUDPTrackerThatKnowsPeers)
	ctx.Step(`^a torrent announcing to every tracker$`, i.aTorrentAnnouncingToEveryTracker)
	ctx.Step(`^I announce$`, i.iAnnounce)
	ctx.Step(`^I scrape$`, i.iScrape)
	ctx.Step(`^I should receive (\d+) peers$`, i.iShouldReceivePeers)
	ctx.Step(`^the announce should fail$`, i.theAnnounceShouldFail)
	ctx.Step(`^the tracker should report (\d+) seeders$`, i.theTrackerShouldReportSeeders)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t, // Testing instance that will run subtests.
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
