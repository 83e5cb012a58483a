package stream

import (
	"strings"
)

// SourceDedup keys citation sources by content so a source repeated
// across chunks or turns is surfaced once, and assigns display ids.
type SourceDedup struct {
	seen EmittedSet
	ids  *Allocator
}

// NewSourceDedup returns a dedup set whose ids are prefix0, prefix1, ...
func NewSourceDedup(prefix string) *SourceDedup {
	return &SourceDedup{ids: NewAllocator(prefix, 0)}
}

// URLKey is the content key of a web source.
func URLKey(url string) string {
	return "url:" + strings.TrimSpace(url)
}

// DocumentKey is the content key of a document source.
func DocumentKey(fileID, quote string) string {
	return "doc:" + fileID + ":" + quote
}

// Claim records key. It returns a fresh id and true the first time a key
// is seen, and false afterwards.
func (d *SourceDedup) Claim(key string) (string, bool) {
	if !d.seen.Add(key) {
		return "", false
	}
	return d.ids.Next(), true
}

// Seen reports whether key was claimed.
func (d *SourceDedup) Seen(key string) bool {
	return d.seen.Has(key)
}

// Add records key without allocating an id and reports whether it was new.
func (d *SourceDedup) Add(key string) bool {
	return d.seen.Add(key)
}
