package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/jackpal/bencode-go"
	zbencode "github.com/zeebo/bencode"
)

const (
	DefaultUserAgent = "gotorrent/0.1"
	maxResponseSize  = 4 << 20
	readChunkSize    = 2048
)

var (
	errHTTPStatus       = errors.New("unexpected http status")
	errResponseTooLarge = errors.New("tracker response too large")
	errNotDictionary    = errors.New("response is not a dictionary")
)

type HTTPTracker struct {
	*base
	client    *http.Client
	userAgent string
	scrapeURI *url.URL
	key       string
}

func NewHTTPTracker(announceURL string, logger *slog.Logger) (*HTTPTracker, error) {
	b, err := newBase(announceURL, logger)
	if err != nil {
		return nil, err
	}

	return &HTTPTracker{
		base:      b,
		client:    &http.Client{},
		userAgent: DefaultUserAgent,
		scrapeURI: deriveScrapeURI(announceURL),
		key:       url.QueryEscape(string(randomBytes(8))),
	}, nil
}

// deriveScrapeURI swaps the "announce" that starts the last path segment for
// "scrape". Trackers without such a segment cannot be scraped.
func deriveScrapeURI(announceURL string) *url.URL {
	index := strings.LastIndex(announceURL, "/")
	if index < 0 || index+9 > len(announceURL) {
		return nil
	}
	if !strings.EqualFold(announceURL[index+1:index+9], "announce") {
		return nil
	}

	scrape, err := url.Parse(announceURL[:index+1] + "scrape" + announceURL[index+9:])
	if err != nil {
		return nil
	}
	return scrape
}

func (t *HTTPTracker) WithHTTPClient(client *http.Client) *HTTPTracker {
	t.client = client
	return t
}

func (t *HTTPTracker) WithTimeout(timeout time.Duration) *HTTPTracker {
	t.timeout = timeout
	return t
}

func (t *HTTPTracker) WithScheduler(scheduler Scheduler) *HTTPTracker {
	t.scheduler = scheduler
	return t
}

func (t *HTTPTracker) WithUserAgent(userAgent string) *HTTPTracker {
	t.userAgent = userAgent
	return t
}

// Key is the URL-encoded random key sent with every announce.
func (t *HTTPTracker) Key() string {
	return t.key
}

func (t *HTTPTracker) CanScrape() bool {
	return t.scrapeURI != nil
}

func (t *HTTPTracker) ScrapeURI() *url.URL {
	if t.scrapeURI == nil {
		return nil
	}
	u := *t.scrapeURI
	return &u
}

func (t *HTTPTracker) Equal(other Tracker) bool {
	o, ok := other.(*HTTPTracker)
	return ok && o != nil && o.normalized() == t.normalized()
}

func (t *HTTPTracker) Announce(ctx context.Context, params AnnounceParameters, state any) <-chan AnnounceResult {
	log := t.log.With(slog.String("request_id", uuid.NewString()))

	req, err := t.newAnnounceRequest(ctx, params)
	if err != nil {
		log.Warn("failed to create announce request", slog.Any("error", err))
		t.update(func(s *Snapshot) {
			s.Status = StatusOffline
			s.FailureMessage = "could not initiate announce request: " + err.Error()
		})
		return done(AnnounceResult{Tracker: t, State: state, Peers: []models.Peer{}})
	}

	log.Debug("announcing", slog.String("event", params.Event.String()))
	return race(ctx, t.scheduler, t.timeout, t.fetch(req),
		func(body []byte, err error) AnnounceResult {
			return t.announceReceived(log, state, body, err)
		},
		func() AnnounceResult {
			log.Warn("announce timed out", slog.Duration("timeout", t.timeout))
			t.update(func(s *Snapshot) {
				s.Status = StatusOffline
				s.FailureMessage = msgUnreachable
				s.WarningMessage = ""
			})
			return AnnounceResult{Tracker: t, State: state, Peers: []models.Peer{}}
		})
}

func (t *HTTPTracker) newAnnounceRequest(ctx context.Context, params AnnounceParameters) (*http.Request, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.announceURL(params).String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", t.userAgent)
	return req, nil
}

func (t *HTTPTracker) announceURL(params AnnounceParameters) *url.URL {
	query := newQueryBuilder(t.uri).
		Add("info_hash", params.InfoHash.Raw()).
		Add("peer_id", params.PeerID).
		AddInt("port", int64(params.Port)).
		AddInt("uploaded", params.BytesUploaded).
		AddInt("downloaded", params.BytesDownloaded).
		AddInt("left", params.BytesLeft).
		AddInt("compact", 1).
		AddInt("numwant", defaultNumWant)

	if params.SupportsEncryption {
		query.AddInt("supportcrypto", 1)
	}
	if params.RequireEncryption {
		query.AddInt("requirecrypto", 1)
	}
	if !query.Contains("key") {
		query.AddRaw("key", t.key)
	}
	if params.IPAddress != "" {
		query.Add("ip", params.IPAddress)
	}
	if params.Event != EventNone {
		query.Add("event", params.Event.String())
	}
	if trackerID := t.Snapshot().TrackerID; trackerID != "" {
		query.Add("trackerid", trackerID)
	}

	return query.URL()
}

// fetch performs req and reads the whole body. Every error it returns means
// the tracker could not be reached.
func (t *HTTPTracker) fetch(req *http.Request) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		response, err := t.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()

		if response.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: %s", errHTTPStatus, response.Status)
		}

		return readBody(response.Body, response.ContentLength)
	}
}

// readBody reads until contentLength bytes arrived or, when the length is
// unknown, until the stream ends.
func readBody(r io.Reader, contentLength int64) ([]byte, error) {
	if contentLength > maxResponseSize {
		return nil, fmt.Errorf("%w: %d bytes", errResponseTooLarge, contentLength)
	}

	capacity := 256
	if contentLength > 0 {
		capacity = int(contentLength)
	}
	body := bytes.NewBuffer(make([]byte, 0, capacity))
	chunk := make([]byte, readChunkSize)

	for contentLength <= 0 || int64(body.Len()) < contentLength {
		n, err := r.Read(chunk)
		body.Write(chunk[:n])
		if body.Len() > maxResponseSize {
			return nil, errResponseTooLarge
		}
		if err == io.EOF {
			if contentLength > 0 && int64(body.Len()) < contentLength {
				return nil, io.ErrUnexpectedEOF
			}
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return body.Bytes(), nil
}

func (t *HTTPTracker) announceReceived(log *slog.Logger, state any, body []byte, fetchErr error) AnnounceResult {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.state.FailureMessage = ""
	t.state.WarningMessage = ""
	peers := []models.Peer{}

	if fetchErr != nil {
		log.Warn("failed to contact tracker", slog.Any("error", fetchErr))
		t.state.Status = StatusOffline
		t.state.FailureMessage = msgUnreachable
	} else if decoded, err := handleAnnounce(log, &t.state, body); err != nil {
		log.Warn("invalid announce response", slog.Any("error", err))
		t.state.Status = StatusInvalidResponse
		t.state.FailureMessage = msgInvalidResponse
	} else {
		t.state.Status = StatusOk
		peers = decoded
	}

	successful := t.state.FailureMessage == ""
	if !successful {
		peers = []models.Peer{}
	}
	log.Debug("announce complete", slog.Bool("successful", successful), slog.Int("peers", len(peers)))

	return AnnounceResult{Tracker: t, State: state, Successful: successful, Peers: peers}
}

// handleAnnounce applies the keys of an announce response to s.
func handleAnnounce(log *slog.Logger, s *Snapshot, body []byte) ([]models.Peer, error) {
	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, errNotDictionary
	}

	peers := []models.Peer{}
	for _, key := range sortedKeys(dict) {
		value := dict[key]
		switch key {
		case "complete":
			s.Complete, err = asInt(key, value)
		case "incomplete":
			s.Incomplete, err = asInt(key, value)
		case "downloaded":
			s.Downloaded, err = asInt(key, value)
		case "tracker id":
			s.TrackerID, err = asString(key, value)
		case "min interval":
			s.MinUpdateInterval, err = asSeconds(key, value)
		case "interval":
			s.UpdateInterval, err = asSeconds(key, value)
		case "peers":
			switch v := value.(type) {
			case string:
				peers, err = DecodeCompactPeers([]byte(v))
			case []interface{}:
				peers, err = DecodePeerDicts(v)
			default:
				err = fmt.Errorf("peers: unexpected type %T", value)
			}
		case "failure reason":
			s.FailureMessage, err = asString(key, value)
		case "warning message":
			s.WarningMessage, err = asString(key, value)
		default:
			log.Debug("unknown announce key", slog.String("key", key), slog.Any("value", value))
		}
		if err != nil {
			return nil, err
		}
	}

	return peers, nil
}

func (t *HTTPTracker) Scrape(ctx context.Context, params ScrapeParameters, state any) <-chan ScrapeResult {
	log := t.log.With(slog.String("request_id", uuid.NewString()))

	if t.scrapeURI == nil {
		return done(ScrapeResult{Tracker: t, State: state, Message: msgCannotScrape})
	}

	scrapeURL := t.scrapeURI.String()
	if strings.Contains(scrapeURL, "?") {
		scrapeURL += "&info_hash=" + url.QueryEscape(params.InfoHash.Raw())
	} else {
		scrapeURL += "?info_hash=" + url.QueryEscape(params.InfoHash.Raw())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scrapeURL, nil)
	if err != nil {
		log.Warn("failed to create scrape request", slog.Any("error", err))
		return done(ScrapeResult{Tracker: t, State: state, Message: "could not initiate scrape request: " + err.Error()})
	}
	req.Header.Set("User-Agent", t.userAgent)

	return race(ctx, t.scheduler, t.timeout, t.fetch(req),
		func(body []byte, err error) ScrapeResult {
			return t.scrapeReceived(log, state, body, err)
		},
		func() ScrapeResult {
			log.Warn("scrape timed out", slog.Duration("timeout", t.timeout))
			return ScrapeResult{Tracker: t, State: state, Message: msgUnreachable}
		})
}

func (t *HTTPTracker) scrapeReceived(log *slog.Logger, state any, body []byte, fetchErr error) ScrapeResult {
	result := ScrapeResult{Tracker: t, State: state}

	if fetchErr != nil {
		log.Warn("failed to contact tracker", slog.Any("error", fetchErr))
		result.Message = msgUnreachable
		return result
	}

	files, message, err := decodeScrape(log, body)
	if err != nil {
		log.Warn("invalid scrape response", slog.Any("error", err))
		result.Message = msgInvalidResponse
		return result
	}
	if message != "" {
		result.Message = message
		return result
	}

	t.mutex.Lock()
	for _, stats := range files {
		t.state.Complete = stats.Complete
		t.state.Downloaded = stats.Downloaded
		t.state.Incomplete = stats.Incomplete
	}
	t.mutex.Unlock()

	result.Successful = true
	result.Files = files
	return result
}

func decodeScrape(log *slog.Logger, body []byte) (map[models.Hash]SwarmStats, string, error) {
	var dict map[string]interface{}
	if err := zbencode.DecodeBytes(body, &dict); err != nil {
		return nil, "", err
	}

	for _, key := range sortedKeys(dict) {
		if key != "files" && key != "failure reason" {
			log.Debug("unknown scrape key", slog.String("key", key), slog.Any("value", dict[key]))
		}
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, reason, nil
	}
	rawFiles, ok := dict["files"]
	if !ok {
		return nil, msgNoScrapeData, nil
	}
	files, ok := rawFiles.(map[string]interface{})
	if !ok {
		return nil, "", fmt.Errorf("files: unexpected type %T", rawFiles)
	}

	result := make(map[models.Hash]SwarmStats, len(files))
	for _, key := range sortedKeys(files) {
		var stats SwarmStats
		var meta mapstructure.Metadata
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Metadata: &meta, Result: &stats})
		if err != nil {
			return nil, "", err
		}
		if err := decoder.Decode(files[key]); err != nil {
			return nil, "", fmt.Errorf("files[%x]: %w", key, err)
		}

		sort.Strings(meta.Unused)
		for _, unknown := range meta.Unused {
			log.Debug("unknown scrape key", slog.String("key", unknown))
		}

		if len(key) != models.HashLen {
			log.Debug("skipping scrape entry with malformed info hash", slog.Int("length", len(key)))
			continue
		}
		var hash models.Hash
		copy(hash[:], key)
		result[hash] = stats
	}

	return result, "", nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func asInt(key string, value interface{}) (int64, error) {
	n, ok := value.(int64)
	if !ok {
		return 0, fmt.Errorf("%s: expected integer, got %T", key, value)
	}
	return n, nil
}

func asString(key string, value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", key, value)
	}
	return s, nil
}

func asSeconds(key string, value interface{}) (time.Duration, error) {
	n, err := asInt(key, value)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
