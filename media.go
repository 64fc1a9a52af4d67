package course_archiver

import (
	"net/http"
	"time"
)

// Backend tags the media host a ContentItem resolves through.
type Backend string

const (
	BackendVimeo   Backend = "vimeo"
	BackendYouTube Backend = "youtube"
	BackendDirect  Backend = "direct"
	BackendInline  Backend = "inline"
	BackendUnknown Backend = "unknown"
)

func (b Backend) String() string {
	return string(b)
}

// A MediaDescriptor says how to fetch the media of a resolved ContentItem.
type MediaDescriptor struct {
	Backend Backend
	// ID is the provider-specific media ID (e.g. YouTube video ID), if any.
	ID string
	// URLs are the candidate source URLs, best first.
	URLs []string
	// Header holds extra request headers the host requires (e.g. Referer).
	Header http.Header
	// Format is a backend-specific rendition name (e.g. "progressive", "hls").
	Format string
	// Ext is the extension of the media as it will be written, overriding the item's declared one.
	Ext string
	// Size is the expected byte size, or 0 if unknown.
	Size int64
	// Checksum is "<algorithm>:<hex>" if the host declares one.
	Checksum string
	// Expires is when signed URLs stop working, or zero.
	Expires time.Time
}

// Expired reports whether signed URLs in the descriptor are known to have expired.
func (d *MediaDescriptor) Expired(now time.Time) bool {
	return d != nil && !d.Expires.IsZero() && !now.Before(d.Expires)
}

// FirstURL returns the preferred source URL, or "" if there is none.
func (d *MediaDescriptor) FirstURL() string {
	if d == nil || len(d.URLs) == 0 {
		return ""
	}
	return d.URLs[0]
}
