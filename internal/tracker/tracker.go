// Package tracker announces to and scrapes HTTP and UDP trackers.
//
// Every Announce and Scrape call returns a channel that receives exactly one
// result and is then closed. Failures never escape as errors: they are turned
// into the tracker's Status and FailureMessage plus an unsuccessful result.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
)

// DefaultTimeout bounds a whole announce or scrape exchange.
const DefaultTimeout = 10 * time.Second

const defaultNumWant = 100

var (
	ErrUnsupportedScheme = errors.New("unsupported protocol")
	ErrInvalidPeerID     = errors.New("peer id must be 20 bytes")
)

const (
	msgUnreachable     = "tracker could not be contacted"
	msgInvalidResponse = "tracker returned an invalid or incomplete response"
	msgNoScrapeData    = "scrape response contained no data"
	msgCannotScrape    = "tracker does not support scrape"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusOk
	StatusOffline
	StatusInvalidResponse
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusOffline:
		return "offline"
	case StatusInvalidResponse:
		return "invalid response"
	default:
		return "unknown"
	}
}

type TorrentEvent uint8

const (
	EventNone TorrentEvent = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e TorrentEvent) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

type AnnounceParameters struct {
	InfoHash           models.Hash
	PeerID             string
	Port               uint16
	BytesUploaded      int64
	BytesDownloaded    int64
	BytesLeft          int64
	SupportsEncryption bool
	RequireEncryption  bool
	Event              TorrentEvent
	// IPAddress overrides the address the tracker sees when not empty.
	IPAddress string
}

func (p AnnounceParameters) validate() error {
	if len(p.PeerID) != 20 {
		return fmt.Errorf("%w: got %d", ErrInvalidPeerID, len(p.PeerID))
	}
	return nil
}

type ScrapeParameters struct {
	InfoHash models.Hash
}

type AnnounceResult struct {
	Tracker    Tracker
	State      any
	Successful bool
	Peers      []models.Peer
}

type SwarmStats struct {
	Complete   int64 `mapstructure:"complete"`
	Downloaded int64 `mapstructure:"downloaded"`
	Incomplete int64 `mapstructure:"incomplete"`
}

type ScrapeResult struct {
	Tracker    Tracker
	State      any
	Successful bool
	Message    string
	Files      map[models.Hash]SwarmStats
}

// Snapshot is a copy of a tracker's mutable state.
type Snapshot struct {
	Status            Status
	FailureMessage    string
	WarningMessage    string
	MinUpdateInterval time.Duration
	UpdateInterval    time.Duration
	Complete          int64
	Incomplete        int64
	Downloaded        int64
	TrackerID         string
}

type Tracker interface {
	// Announce reports progress and asks for peers. state is handed back in
	// the result untouched.
	Announce(ctx context.Context, params AnnounceParameters, state any) <-chan AnnounceResult
	Scrape(ctx context.Context, params ScrapeParameters, state any) <-chan ScrapeResult
	CanScrape() bool
	URI() *url.URL
	Snapshot() Snapshot
	Equal(other Tracker) bool
	Hash() uint64
	String() string
}

// New picks the transport for announceURL from its scheme.
func New(announceURL string, logger *slog.Logger) (Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if announceURL == "" {
		return nil, fmt.Errorf("announce url is empty")
	}
	scheme := strings.ToLower(announceURL)
	switch {
	case strings.HasPrefix(scheme, "http"):
		return NewHTTPTracker(announceURL, logger)
	case strings.HasPrefix(scheme, "udp"):
		return NewUDPTracker(announceURL, logger)
	default:
		logger.Error("unsupported protocol", slog.String("announce-url", announceURL))
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, announceURL)
	}
}

// base carries the state shared by every transport.
type base struct {
	uri       *url.URL
	log       *slog.Logger
	scheduler Scheduler
	timeout   time.Duration

	mutex sync.RWMutex
	state Snapshot
}

func newBase(announceURL string, logger *slog.Logger) (*base, error) {
	uri, err := url.Parse(announceURL)
	if err != nil {
		return nil, err
	}
	if uri.Host == "" {
		return nil, fmt.Errorf("announce url %q has no host", announceURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &base{
		uri:       uri,
		log:       logger.With(slog.String("tracker", uri.Redacted())),
		scheduler: DefaultScheduler,
		timeout:   DefaultTimeout,
	}, nil
}

func (b *base) URI() *url.URL {
	u := *b.uri
	return &u
}

func (b *base) String() string {
	return b.uri.String()
}

func (b *base) Snapshot() Snapshot {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.state
}

func (b *base) update(fn func(s *Snapshot)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	fn(&b.state)
}

// normalized is the announce URI with scheme and host lower-cased.
func (b *base) normalized() string {
	u := *b.uri
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

func (b *base) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(b.normalized()))
	return h.Sum64()
}

var keySource = struct {
	sync.Mutex
	rnd *rand.Rand
}{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}

func randomBytes(n int) []byte {
	keySource.Lock()
	defer keySource.Unlock()

	b := make([]byte, n)
	keySource.rnd.Read(b)
	return b
}

func randomUint32() uint32 {
	keySource.Lock()
	defer keySource.Unlock()
	return keySource.rnd.Uint32()
}
