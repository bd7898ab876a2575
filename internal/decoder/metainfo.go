package decoder

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/zeebo/bencode"
)

var (
	ErrInvalidPieces = errors.New("pieces is not a multiple of 20 bytes")
	ErrNoTrackers    = errors.New("torrent lists no tracker")
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct {
	log *slog.Logger
}

func NewDecoder(logger *slog.Logger) MetafileDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return decoder{log: logger}
}

// bencodeTorrent mirrors the top level of a .torrent file.
type bencodeTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	// Info stays raw so the info hash covers the exact bytes of the file.
	Info bencode.RawMessage `bencode:"info"`
}

func (d decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	var bt bencodeTorrent
	if err := bencode.NewDecoder(torrent).Decode(&bt); err != nil {
		d.log.Error("failed to decode torrent", slog.Any("error", err))
		return response, fmt.Errorf("decode torrent: %w", err)
	}

	response.Announce = bt.Announce
	response.AnnounceList = bt.AnnounceList
	response.InfoHash = sha1.Sum(bt.Info)
	if err := bencode.NewDecoder(bytes.NewReader(bt.Info)).Decode(&response.Info); err != nil {
		d.log.Error("failed to decode torrent info", slog.Any("error", err))
		return response, fmt.Errorf("decode info: %w", err)
	}

	var err error
	response.Info.PiecesHashes, err = splitPieces(response.Info.Pieces)
	if err != nil {
		d.log.Error("failed to split pieces", slog.Any("error", err), slog.Int("length", len(response.Info.Pieces)))
		return response, err
	}

	if response.Info.Length > 0 {
		response.Info.Files = []models.File{{Length: response.Info.Length, Path: []string{response.Info.Name}}}
	}

	if len(response.Trackers()) == 0 {
		return response, ErrNoTrackers
	}

	d.log.Debug("decoded torrent",
		slog.String("name", response.Info.Name),
		slog.String("info_hash", response.InfoHash.String()),
		slog.Int("pieces", len(response.Info.PiecesHashes)))
	return response, nil
}

func splitPieces(pieces string) ([]models.Hash, error) {
	if len(pieces)%models.HashLen != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPieces, len(pieces))
	}

	hashes := make([]models.Hash, 0, len(pieces)/models.HashLen)
	for i := 0; i < len(pieces); i += models.HashLen {
		var hash models.Hash
		copy(hash[:], pieces[i:i+models.HashLen])
		hashes = append(hashes, hash)
	}
	return hashes, nil
}
