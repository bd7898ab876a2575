package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/decoder"
	"github.com/WendelHime/gotorrent-core/internal/logic"
	"github.com/WendelHime/gotorrent-core/internal/tracker"
	"github.com/schollz/progressbar/v3"
)

func main() {
	var torrentPath string
	var logPath string
	var port uint
	var scrape bool
	var probe time.Duration
	flag.StringVar(&torrentPath, "torrent", "~/Downloads/debian-12.5.0-amd64-netinst.iso.torrent", "Specify the input torrent file")
	flag.StringVar(&logPath, "log", "log.txt", "Specify the log file")
	flag.UintVar(&port, "port", 6881, "Port reported to trackers")
	flag.BoolVar(&scrape, "scrape", false, "Print swarm counters instead of peers")
	flag.DurationVar(&probe, "probe", 0, "Connect to every peer for this long and report seeds")
	flag.Parse()

	f, err := os.Open(torrentPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	// Create a new logger and generate log file
	logOut, err := os.Create(logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger, f, uint16(port), scrape, probe); err != nil {
		logger.Error("failed to announce torrent", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, torrent *os.File, port uint16, scrape bool, probe time.Duration) error {
	meta, err := decoder.NewDecoder(logger).Decode(torrent)
	if err != nil {
		return err
	}
	logger.Info("decoded metafile", slog.String("name", meta.Info.Name), slog.String("info_hash", meta.InfoHash.String()))

	announcer := logic.NewAnnouncer(logic.GeneratePeerID(), logger)
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("contacting trackers"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish())
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bar.Add(1)
			}
		}
	}()
	finish := func() {
		close(done)
		bar.Finish()
	}

	if scrape {
		stats, err := announcer.Scrape(ctx, meta)
		finish()
		if err != nil {
			return err
		}
		for _, s := range stats {
			if !s.OK {
				fmt.Printf("%s\t%s\n", s.Tracker, s.Message)
				continue
			}
			fmt.Printf("%s\tseeders=%d leechers=%d downloaded=%d\n", s.Tracker, s.Stats.Complete, s.Stats.Incomplete, s.Stats.Downloaded)
		}
		return nil
	}

	peers, err := announcer.Announce(ctx, meta, logic.Progress{
		Port:  port,
		Left:  int64(meta.Info.TotalLength()),
		Event: tracker.EventStarted,
	})
	if err != nil {
		finish()
		return err
	}

	if probe <= 0 {
		finish()
		for _, p := range peers {
			fmt.Println(p.Addr.String())
		}
		return nil
	}

	bar.Describe(fmt.Sprintf("probing %d peers", len(peers)))
	report, err := announcer.Probe(ctx, meta, peers, probe)
	finish()
	for _, p := range report.Peers {
		if p.Err != nil {
			continue
		}
		fmt.Printf("%s\t%s\t%d/%d\n", p.Addr.String(), p.Type, p.Pieces, len(meta.Info.PiecesHashes))
	}
	fmt.Printf("seeds=%d leechs=%d unreachable=%d\n", report.Seeds, report.Leechs, report.Failed)
	return err
}
