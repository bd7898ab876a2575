package models

import "encoding/hex"

type Metafile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         Info       `bencode:"info"`
	InfoHash     Hash       `bencode:"-"`
}

// Trackers returns every announce URL once, primary first.
func (m Metafile) Trackers() []string {
	seen := make(map[string]struct{})
	trackers := make([]string, 0)
	add := func(announce string) {
		if announce == "" {
			return
		}
		if _, ok := seen[announce]; ok {
			return
		}
		seen[announce] = struct{}{}
		trackers = append(trackers, announce)
	}

	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, announce := range tier {
			add(announce)
		}
	}
	return trackers
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int    `bencode:"length"`
	PieceLength  int    `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	PiecesHashes []Hash `bencode:"-"`
	Files        []File `bencode:"files,omitempty"`
}

// TotalLength is the sum of every file length.
func (i Info) TotalLength() int {
	if i.Length > 0 {
		return i.Length
	}
	total := 0
	for _, file := range i.Files {
		total += file.Length
	}
	return total
}

type File struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

// HashLen is the size of a SHA-1 digest.
const HashLen = 20

type Hash [HashLen]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Raw returns the digest as a byte string, the form trackers key it by.
func (h Hash) Raw() string {
	return string(h[:])
}
