package tracker

import (
	"net/url"
	"strconv"
	"strings"
)

// queryBuilder appends already escaped parameters to a URL while keeping the
// parameters the URL came with, such as private tracker passkeys. url.Values
// would re-escape and reorder them.
type queryBuilder struct {
	uri   url.URL
	pairs []string
	keys  map[string]struct{}
}

func newQueryBuilder(uri *url.URL) *queryBuilder {
	b := &queryBuilder{uri: *uri, keys: make(map[string]struct{})}
	if uri.RawQuery != "" {
		for _, pair := range strings.Split(uri.RawQuery, "&") {
			if pair == "" {
				continue
			}
			key, _, _ := strings.Cut(pair, "=")
			b.pairs = append(b.pairs, pair)
			b.keys[key] = struct{}{}
		}
	}
	return b
}

func (b *queryBuilder) Contains(key string) bool {
	_, ok := b.keys[key]
	return ok
}

// AddRaw adds value as is; it must already be escaped.
func (b *queryBuilder) AddRaw(key, value string) *queryBuilder {
	b.pairs = append(b.pairs, key+"="+value)
	b.keys[key] = struct{}{}
	return b
}

func (b *queryBuilder) Add(key, value string) *queryBuilder {
	return b.AddRaw(key, url.QueryEscape(value))
}

func (b *queryBuilder) AddInt(key string, value int64) *queryBuilder {
	return b.AddRaw(key, strconv.FormatInt(value, 10))
}

func (b *queryBuilder) URL() *url.URL {
	u := b.uri
	u.RawQuery = strings.Join(b.pairs, "&")
	return &u
}
