package logic

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/WendelHime/gotorrent-core/internal/tracker"
)

var (
	ErrNoTrackers         = errors.New("no usable tracker")
	ErrAllTrackersFailed  = errors.New("every tracker failed")
	ErrNoScrapableTracker = errors.New("no tracker supports scrape")
)

const peerIDPrefix = "-GT0001-"

// Progress is what the client reports to trackers.
type Progress struct {
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      tracker.TorrentEvent
}

// TrackerStats is the scrape outcome of one tracker.
type TrackerStats struct {
	Tracker string
	Stats   tracker.SwarmStats
	Message string
	OK      bool
}

type Announcer interface {
	Announce(ctx context.Context, meta models.Metafile, progress Progress) ([]models.Peer, error)
	Scrape(ctx context.Context, meta models.Metafile) ([]TrackerStats, error)
	Probe(ctx context.Context, meta models.Metafile, peers []models.Peer, window time.Duration) (ProbeReport, error)
	PeerID() string
	WithHTTPClient(client *http.Client) Announcer
	WithTimeout(timeout time.Duration) Announcer
}

type announcer struct {
	peerID  string
	log     *slog.Logger
	client  *http.Client
	timeout time.Duration

	mutex    sync.Mutex
	trackers map[uint64][]tracker.Tracker
}

func NewAnnouncer(peerID string, logger *slog.Logger) Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	if peerID == "" {
		peerID = GeneratePeerID()
	}
	return &announcer{
		peerID:   peerID,
		log:      logger,
		client:   &http.Client{},
		timeout:  tracker.DefaultTimeout,
		trackers: make(map[uint64][]tracker.Tracker),
	}
}

func (a *announcer) WithHTTPClient(client *http.Client) Announcer {
	a.client = client
	return a
}

func (a *announcer) WithTimeout(timeout time.Duration) Announcer {
	a.timeout = timeout
	return a
}

func (a *announcer) PeerID() string {
	return a.peerID
}

// GeneratePeerID returns an Azureus-style peer id.
func GeneratePeerID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	peerID := make([]byte, 20)
	copy(peerID, peerIDPrefix)
	for i := len(peerIDPrefix); i < len(peerID); i++ {
		peerID[i] = charset[r.Intn(len(charset))]
	}

	return string(peerID)
}

// trackersFor returns one tracker per distinct announce URL of meta. Trackers
// are kept between calls so that connection ids, tracker ids and keys survive.
func (a *announcer) trackersFor(meta models.Metafile) []tracker.Tracker {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	trackers := make([]tracker.Tracker, 0)
	for _, announce := range meta.Trackers() {
		t, err := tracker.New(announce, a.log)
		if err != nil {
			a.log.Warn("skipping tracker", slog.String("announce", announce), slog.Any("error", err))
			continue
		}
		t = a.known(t)
		if contains(trackers, t) {
			continue
		}
		trackers = append(trackers, t)
	}
	return trackers
}

// known returns the tracker already created for the same URL, or registers t.
func (a *announcer) known(t tracker.Tracker) tracker.Tracker {
	for _, existing := range a.trackers[t.Hash()] {
		if existing.Equal(t) {
			return existing
		}
	}

	switch concrete := t.(type) {
	case *tracker.HTTPTracker:
		concrete.WithHTTPClient(a.client).WithTimeout(a.timeout)
	case *tracker.UDPTracker:
		concrete.WithTimeout(a.timeout)
	}
	a.trackers[t.Hash()] = append(a.trackers[t.Hash()], t)
	return t
}

func contains(trackers []tracker.Tracker, t tracker.Tracker) bool {
	for _, existing := range trackers {
		if existing.Equal(t) {
			return true
		}
	}
	return false
}

// Announce asks every tracker of meta for peers at once and merges the
// answers. Peers are unique by address and 0.0.0.0 entries are dropped.
func (a *announcer) Announce(ctx context.Context, meta models.Metafile, progress Progress) ([]models.Peer, error) {
	trackers := a.trackersFor(meta)
	if len(trackers) == 0 {
		return nil, ErrNoTrackers
	}

	params := tracker.AnnounceParameters{
		InfoHash:        meta.InfoHash,
		PeerID:          a.peerID,
		Port:            progress.Port,
		BytesUploaded:   progress.Uploaded,
		BytesDownloaded: progress.Downloaded,
		BytesLeft:       progress.Left,
		Event:           progress.Event,
	}

	pending := make([]<-chan tracker.AnnounceResult, 0, len(trackers))
	for _, t := range trackers {
		a.log.Info("retrieving peers from tracker", slog.String("announce", t.String()))
		pending = append(pending, t.Announce(ctx, params, nil))
	}

	peers := make([]models.Peer, 0)
	unique := make(map[string]struct{})
	succeeded := 0
	for _, ch := range pending {
		result := <-ch
		if !result.Successful {
			snapshot := result.Tracker.Snapshot()
			a.log.Warn("failed to get peers",
				slog.String("announce", result.Tracker.String()),
				slog.String("status", snapshot.Status.String()),
				slog.String("message", snapshot.FailureMessage))
			continue
		}
		succeeded++
		if warning := result.Tracker.Snapshot().WarningMessage; warning != "" {
			a.log.Warn("tracker warning", slog.String("announce", result.Tracker.String()), slog.String("message", warning))
		}

		for _, peer := range result.Peers {
			if peer.Addr.IsUnspecified() {
				continue
			}
			addr := peer.Addr.String()
			if _, ok := unique[addr]; ok {
				continue
			}
			unique[addr] = struct{}{}
			peers = append(peers, peer)
		}
	}

	a.log.Info("retrieved peers", slog.Int("peers", len(peers)), slog.Int("trackers", succeeded))
	if succeeded == 0 {
		return peers, ErrAllTrackersFailed
	}
	return peers, nil
}

// Scrape reports the swarm counters every scrapable tracker of meta holds.
func (a *announcer) Scrape(ctx context.Context, meta models.Metafile) ([]TrackerStats, error) {
	trackers := a.trackersFor(meta)
	if len(trackers) == 0 {
		return nil, ErrNoTrackers
	}

	pending := make([]<-chan tracker.ScrapeResult, 0, len(trackers))
	for _, t := range trackers {
		if !t.CanScrape() {
			a.log.Debug("tracker cannot scrape", slog.String("announce", t.String()))
			continue
		}
		pending = append(pending, t.Scrape(ctx, tracker.ScrapeParameters{InfoHash: meta.InfoHash}, nil))
	}
	if len(pending) == 0 {
		return nil, ErrNoScrapableTracker
	}

	stats := make([]TrackerStats, 0, len(pending))
	for _, ch := range pending {
		result := <-ch
		entry := TrackerStats{Tracker: result.Tracker.String(), Message: result.Message, OK: result.Successful}
		if result.Successful {
			s, ok := result.Files[meta.InfoHash]
			if !ok {
				entry.OK = false
				entry.Message = "torrent unknown to tracker"
			}
			entry.Stats = s
		} else {
			a.log.Warn("failed to scrape", slog.String("announce", result.Tracker.String()), slog.String("message", result.Message))
		}
		stats = append(stats, entry)
	}
	return stats, nil
}
