package logic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/p2p"
	"github.com/WendelHime/gotorrent-core/internal/peer"
	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/WendelHime/gotorrent-core/internal/wire"
)

const maxProbeConnections = 30

// PeerReport is what a probe learned about one peer.
type PeerReport struct {
	Addr   models.Addr
	PeerID string
	Type   peer.PeerType
	Pieces int
	Err    error
}

type ProbeReport struct {
	Peers  []PeerReport
	Seeds  int
	Leechs int
	Failed int
}

// Probe connects to every peer, handshakes and listens for window while the
// peer announces its pieces, then reports which peers are seeds.
func (a *announcer) Probe(ctx context.Context, meta models.Metafile, peers []models.Peer, window time.Duration) (ProbeReport, error) {
	registry := peer.NewRegistry(len(meta.Info.PiecesHashes))
	reports := make([]PeerReport, len(peers))
	slots := make(chan struct{}, maxProbeConnections)

	var wg sync.WaitGroup
	for i, remote := range peers {
		wg.Add(1)
		go func(i int, remote models.Peer) {
			defer wg.Done()
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				reports[i] = PeerReport{Addr: remote.Addr, Err: ctx.Err()}
				return
			}
			defer func() { <-slots }()

			reports[i] = a.probePeer(ctx, registry, meta, remote, window)
		}(i, remote)
	}
	wg.Wait()

	report := ProbeReport{Peers: reports}
	for _, r := range reports {
		switch {
		case r.Err != nil:
			report.Failed++
		case r.Type == peer.Seed:
			report.Seeds++
		default:
			report.Leechs++
		}
	}
	sort.SliceStable(report.Peers, func(i, j int) bool {
		return report.Peers[i].Pieces > report.Peers[j].Pieces
	})

	a.log.Info("probed peers", slog.Int("seeds", report.Seeds), slog.Int("leechs", report.Leechs), slog.Int("failed", report.Failed))
	return report, ctx.Err()
}

func (a *announcer) probePeer(ctx context.Context, registry *peer.Registry, meta models.Metafile, remote models.Peer, window time.Duration) PeerReport {
	report := PeerReport{Addr: remote.Addr, PeerID: remote.PeerID}
	log := a.log.With(slog.String("peer", remote.Addr.String()))

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	client := p2p.NewClient(a.peerID, log)
	if err := client.Connect(ctx, remote.Addr); err != nil {
		log.Debug("failed to connect", slog.Any("error", err))
		report.Err = err
		return report
	}
	defer client.Disconnect()

	peerID, err := client.Handshake(meta.InfoHash)
	if err != nil {
		log.Debug("failed to handshake", slog.Any("error", err))
		report.Err = err
		return report
	}
	report.PeerID = peerID

	if err := client.WriteMessage(&wire.Interested{}); err != nil {
		report.Err = err
		return report
	}

	id := registry.Add(remote.Addr, peerID)
	defer registry.Remove(id)

	err = client.Serve(ctx, registry, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, io.EOF) {
		log.Debug("peer connection failed", slog.Any("error", err))
		report.Err = err
	}

	registry.View(id, func(s *peer.State) {
		report.Type = s.Type
		report.Pieces = s.Bitfield.Count()
	})
	return report
}
