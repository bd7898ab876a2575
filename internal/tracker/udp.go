package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/google/uuid"
)

const (
	connectionIDLifetime   = time.Minute
	defaultRetransmitAfter = 3 * time.Second
	maxDatagramSize        = 2048
)

// DialFunc opens the datagram connection to a tracker.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type UDPTracker struct {
	*base
	dial            DialFunc
	retransmitAfter time.Duration
	key             uint32
	username        string
	password        string
	authenticated   bool

	connMutex    sync.Mutex
	connectionID uint64
	connExpires  time.Time
}

func NewUDPTracker(announceURL string, logger *slog.Logger) (*UDPTracker, error) {
	b, err := newBase(announceURL, logger)
	if err != nil {
		return nil, err
	}

	t := &UDPTracker{
		base:            b,
		dial:            (&net.Dialer{}).DialContext,
		retransmitAfter: defaultRetransmitAfter,
		key:             randomUint32(),
	}
	if user := b.uri.User; user != nil {
		t.username = user.Username()
		t.password, _ = user.Password()
		t.authenticated = true
	}
	return t, nil
}

func (t *UDPTracker) WithTimeout(timeout time.Duration) *UDPTracker {
	t.timeout = timeout
	return t
}

func (t *UDPTracker) WithScheduler(scheduler Scheduler) *UDPTracker {
	t.scheduler = scheduler
	return t
}

func (t *UDPTracker) WithDialer(dial DialFunc) *UDPTracker {
	t.dial = dial
	return t
}

// WithRetransmitInterval sets how long to wait for a reply before a request
// is sent again.
func (t *UDPTracker) WithRetransmitInterval(interval time.Duration) *UDPTracker {
	t.retransmitAfter = interval
	return t
}

func (t *UDPTracker) CanScrape() bool {
	return true
}

func (t *UDPTracker) Equal(other Tracker) bool {
	o, ok := other.(*UDPTracker)
	return ok && o != nil && o.normalized() == t.normalized()
}

func (t *UDPTracker) Announce(ctx context.Context, params AnnounceParameters, state any) <-chan AnnounceResult {
	log := t.log.With(slog.String("request_id", uuid.NewString()))

	request, err := t.newAnnounceRequest(params)
	if err != nil {
		log.Warn("failed to create announce request", slog.Any("error", err))
		t.update(func(s *Snapshot) {
			s.Status = StatusOffline
			s.FailureMessage = "could not initiate announce request: " + err.Error()
		})
		return done(AnnounceResult{Tracker: t, State: state, Peers: []models.Peer{}})
	}

	log.Debug("announcing", slog.String("event", params.Event.String()))
	return race(ctx, t.scheduler, t.timeout,
		func(ctx context.Context) (*announceResponse, error) {
			var response announceResponse
			err := t.exchange(ctx, log, request, actionAnnounce, &response)
			return &response, err
		},
		func(response *announceResponse, err error) AnnounceResult {
			return t.announceReceived(log, state, response, err)
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

func (t *UDPTracker) newAnnounceRequest(params AnnounceParameters) (*announceRequest, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	request := &announceRequest{
		InfoHash:   params.InfoHash,
		Downloaded: params.BytesDownloaded,
		Left:       params.BytesLeft,
		Uploaded:   params.BytesUploaded,
		Event:      udpEvent(params.Event),
		Key:        t.key,
		NumWant:    defaultNumWant,
		Port:       params.Port,
	}
	copy(request.PeerID[:], params.PeerID)

	if params.IPAddress != "" {
		if ip := net.ParseIP(params.IPAddress).To4(); ip != nil {
			request.IP = uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
		}
	}
	if t.authenticated {
		request.Auth = &AuthenticationMessage{Username: t.username}
	}
	return request, nil
}

// signAnnounce fills the password bytes of an encoded authenticated announce.
// packet must end with the password field.
func (t *UDPTracker) signAnnounce(packet []byte) {
	secret := sha1.Sum([]byte(t.password))
	h := sha1.New()
	h.Write(packet[:len(packet)-passwordLen])
	h.Write(secret[:])
	copy(packet[len(packet)-passwordLen:], h.Sum(nil))
}

func (t *UDPTracker) announceReceived(log *slog.Logger, state any, response *announceResponse, fetchErr error) AnnounceResult {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.state.FailureMessage = ""
	t.state.WarningMessage = ""
	peers := []models.Peer{}

	var reported trackerError
	switch {
	case fetchErr == nil:
		t.state.Status = StatusOk
		t.state.UpdateInterval = time.Duration(response.Interval) * time.Second
		t.state.Complete = int64(response.Seeders)
		t.state.Incomplete = int64(response.Leechers)
		peers = response.Peers
	case errors.As(fetchErr, &reported):
		log.Warn("tracker reported failure", slog.String("message", string(reported)))
		t.state.Status = StatusOk
		t.state.FailureMessage = string(reported)
	case isInvalidDatagram(fetchErr):
		log.Warn("invalid announce response", slog.Any("error", fetchErr))
		t.state.Status = StatusInvalidResponse
		t.state.FailureMessage = msgInvalidResponse
	default:
		log.Warn("failed to contact tracker", slog.Any("error", fetchErr))
		t.state.Status = StatusOffline
		t.state.FailureMessage = msgUnreachable
	}

	successful := t.state.FailureMessage == ""
	log.Debug("announce complete", slog.Bool("successful", successful), slog.Int("peers", len(peers)))
	return AnnounceResult{Tracker: t, State: state, Successful: successful, Peers: peers}
}

func (t *UDPTracker) Scrape(ctx context.Context, params ScrapeParameters, state any) <-chan ScrapeResult {
	log := t.log.With(slog.String("request_id", uuid.NewString()))
	request := &scrapeRequest{InfoHashes: []models.Hash{params.InfoHash}}

	return race(ctx, t.scheduler, t.timeout,
		func(ctx context.Context) (*scrapeResponse, error) {
			var response scrapeResponse
			err := t.exchange(ctx, log, request, actionScrape, &response)
			return &response, err
		},
		func(response *scrapeResponse, err error) ScrapeResult {
			return t.scrapeReceived(log, state, params.InfoHash, response, err)
		},
		func() ScrapeResult {
			log.Warn("scrape timed out", slog.Duration("timeout", t.timeout))
			return ScrapeResult{Tracker: t, State: state, Message: msgUnreachable}
		})
}

func (t *UDPTracker) scrapeReceived(log *slog.Logger, state any, hash models.Hash, response *scrapeResponse, fetchErr error) ScrapeResult {
	result := ScrapeResult{Tracker: t, State: state}

	var reported trackerError
	switch {
	case fetchErr == nil:
	case errors.As(fetchErr, &reported):
		result.Message = string(reported)
		return result
	case isInvalidDatagram(fetchErr):
		log.Warn("invalid scrape response", slog.Any("error", fetchErr))
		result.Message = msgInvalidResponse
		return result
	default:
		log.Warn("failed to contact tracker", slog.Any("error", fetchErr))
		result.Message = msgUnreachable
		return result
	}

	if len(response.Stats) == 0 {
		result.Message = msgNoScrapeData
		return result
	}

	stats := response.Stats[0]
	t.update(func(s *Snapshot) {
		s.Complete = stats.Complete
		s.Downloaded = stats.Downloaded
		s.Incomplete = stats.Incomplete
	})

	result.Successful = true
	result.Files = map[models.Hash]SwarmStats{hash: stats}
	return result
}

// udpRequest is a request datagram that still needs its connection and
// transaction ids.
type udpRequest interface {
	ByteLength() int
	Encode(buf []byte, offset int) (int, error)
}

func stamp(request udpRequest, connectionID uint64, transactionID uint32) {
	switch r := request.(type) {
	case *announceRequest:
		r.ConnectionID, r.TransactionID = connectionID, transactionID
	case *scrapeRequest:
		r.ConnectionID, r.TransactionID = connectionID, transactionID
	}
}

// exchange sends request over a fresh socket and decodes the reply into into.
// An error reply to a request sent with a cached connection id drops the id
// and the request is tried once more with a new one.
func (t *UDPTracker) exchange(ctx context.Context, log *slog.Logger, request udpRequest, want action, into interface {
	Decode(buf []byte, offset, length int) error
}) error {
	conn, err := t.dial(ctx, "udp", t.uri.Host)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	for attempt := 0; ; attempt++ {
		connectionID, cached, err := t.connectionIDFor(ctx, log, conn)
		if err != nil {
			return err
		}

		transactionID := randomUint32()
		stamp(request, connectionID, transactionID)
		packet := make([]byte, request.ByteLength())
		n, err := request.Encode(packet, 0)
		if err != nil {
			return err
		}
		packet = packet[:n]
		if r, ok := request.(*announceRequest); ok && r.Auth != nil {
			t.signAnnounce(packet)
		}

		err = t.roundTrip(ctx, conn, packet, transactionID, want, into)
		var reported trackerError
		if errors.As(err, &reported) && cached && attempt == 0 {
			log.Debug("retrying with a new connection id", slog.String("message", string(reported)))
			t.forgetConnectionID()
			continue
		}
		return err
	}
}

// connectionIDFor returns the cached connection id or performs the connect
// handshake over conn.
func (t *UDPTracker) connectionIDFor(ctx context.Context, log *slog.Logger, conn net.Conn) (uint64, bool, error) {
	t.connMutex.Lock()
	if time.Now().Before(t.connExpires) {
		id := t.connectionID
		t.connMutex.Unlock()
		return id, true, nil
	}
	t.connMutex.Unlock()

	transactionID := randomUint32()
	request := connectRequest{TransactionID: transactionID}
	packet := make([]byte, request.ByteLength())
	if _, err := request.Encode(packet, 0); err != nil {
		return 0, false, err
	}

	var response connectResponse
	if err := t.roundTrip(ctx, conn, packet, transactionID, actionConnect, &response); err != nil {
		return 0, false, err
	}
	log.Debug("connected", slog.Uint64("connection_id", response.ConnectionID))

	t.connMutex.Lock()
	t.connectionID = response.ConnectionID
	t.connExpires = time.Now().Add(connectionIDLifetime)
	t.connMutex.Unlock()
	return response.ConnectionID, false, nil
}

func (t *UDPTracker) forgetConnectionID() {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()
	t.connExpires = time.Time{}
}

// roundTrip writes packet and waits for the reply carrying transactionID,
// sending packet again each time retransmitAfter passes in silence. Replies
// for other transactions are dropped.
func (t *UDPTracker) roundTrip(ctx context.Context, conn net.Conn, packet []byte, transactionID uint32, want action, into interface {
	Decode(buf []byte, offset, length int) error
}) error {
	buf := make([]byte, maxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := conn.Write(packet); err != nil {
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(t.retransmitAfter)); err != nil {
			return err
		}

		for {
			n, err := conn.Read(buf)
			if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return err
			}

			err = decodeResponse(buf[:n], transactionID, want, into)
			if errors.Is(err, errTransactionMismatch) {
				continue
			}
			return err
		}
	}
}

func isInvalidDatagram(err error) bool {
	return errors.Is(err, errShortDatagram) ||
		errors.Is(err, errUnexpectedAction) ||
		errors.Is(err, ErrInvalidPeerList)
}
