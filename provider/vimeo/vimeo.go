// Package vimeo resolves Vimeo embeds through the player config endpoint, the same way the embedded player does.
package vimeo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/download"
)

const DefaultPlayerURL = "https://player.vimeo.com"

const (
	FormatProgressive = "progressive"
	FormatHLS         = "hls"
)

var (
	ErrNoRenditions = errors.New("player config has no downloadable renditions")
	ErrPrivate      = errors.New("video is private or not embeddable on this domain")

	idPattern = regexp.MustCompile(`^(\d+)(?:/([0-9a-f]+))?$`)
)

type Config struct {
	// PlayerURL is the base URL of the player, which serves /video/{id}/config.
	PlayerURL string
	// RetryPolicy applies to HLS playlist and segment fetches.
	RetryPolicy download.RetryPolicy
}

func NewConfig() Config {
	return Config{
		PlayerURL:   DefaultPlayerURL,
		RetryPolicy: download.DefaultRetryPolicy(),
	}
}

// ParseReference extracts the video ID and (for unlisted videos) the privacy hash from a bare ID or any of
//
//	https://vimeo.com/{id}[/{hash}]
//	https://player.vimeo.com/video/{id}[?h={hash}]
func ParseReference(ref string) (id string, hash string, err error) {
	ref = strings.TrimSpace(ref)
	if m := idPattern.FindStringSubmatch(ref); m != nil {
		return m[1], m[2], nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", err
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	p := strings.Trim(u.Path, "/")
	switch host {
	case "player.vimeo.com":
		p = strings.TrimPrefix(p, "video/")
	case "vimeo.com":
	default:
		return "", "", fmt.Errorf("not a vimeo URL")
	}
	m := idPattern.FindStringSubmatch(p)
	if m == nil {
		return "", "", fmt.Errorf("no video ID in %q", u.Path)
	}
	id, hash = m[1], m[2]
	if h := u.Query().Get("h"); h != "" {
		hash = h
	}
	return id, hash, nil
}

func (c *Config) Match(item course_archiver.ContentItem) (course_archiver.Source, error) {
	id, hash, err := ParseReference(item.Reference)
	if err != nil {
		return nil, err
	}
	// A bare number could be any host's ID, so it needs the platform's hint
	if !strings.Contains(item.Reference, "vimeo.com") && item.Hint != course_archiver.BackendVimeo {
		return nil, fmt.Errorf("bare ID without vimeo hint")
	}
	return &source{config: c, id: id, hash: hash}, nil
}

func (c Config) Provider() course_archiver.Provider {
	return course_archiver.Provider{
		Name:    "vimeo",
		Backend: course_archiver.BackendVimeo,
		Match:   c.Match,
	}
}

type source struct {
	config *Config
	id     string
	hash   string
}

func (s *source) Backend() course_archiver.Backend {
	return course_archiver.BackendVimeo
}

func (s *source) String() string {
	return fmt.Sprintf("vimeo:%s", s.id)
}

type progressive struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	FPS     int    `json:"fps"`
}

type cdn struct {
	URL string `json:"url"`
}

type playerConfig struct {
	Request struct {
		Timestamp int64 `json:"timestamp"`
		Expires   int64 `json:"expires"`
		Files     struct {
			Progressive []progressive `json:"progressive"`
			HLS         struct {
				DefaultCDN string         `json:"default_cdn"`
				CDNs       map[string]cdn `json:"cdns"`
			} `json:"hls"`
		} `json:"files"`
	} `json:"request"`
	Video struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"video"`
	Message string `json:"message"`
}

func (s *source) configURL() string {
	u := fmt.Sprintf("%s/video/%s/config", strings.TrimRight(s.config.PlayerURL, "/"), s.id)
	if s.hash != "" {
		u += "?h=" + url.QueryEscape(s.hash)
	}
	return u
}

func (s *source) header(sess course_archiver.Session) http.Header {
	header := http.Header{}
	header.Set("Referer", course_archiver.Referer(sess))
	return header
}

func (s *source) fetchConfig(ctx context.Context, sess course_archiver.Session) (*playerConfig, error) {
	resolutionErr := func(err error, temporary bool) error {
		return &course_archiver.ResolutionError{Backend: course_archiver.BackendVimeo, Err: err, Temporary: temporary}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.configURL(), nil)
	if err != nil {
		return nil, resolutionErr(err, false)
	}
	download.ApplyHeader(req, s.header(sess))
	req.Header.Set("Accept", "application/json")
	resp, err := sess.HTTPClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resolutionErr(err, true)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resolutionErr(err, true)
	}

	var config playerConfig
	decodeErr := json.Unmarshal(body, &config)
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		if config.Message != "" {
			return nil, resolutionErr(fmt.Errorf("%w: %s", ErrPrivate, config.Message), false)
		}
		return nil, resolutionErr(ErrPrivate, false)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, resolutionErr(download.StatusErrorFrom(resp), true)
	case resp.StatusCode != http.StatusOK:
		return nil, resolutionErr(download.StatusErrorFrom(resp), false)
	case decodeErr != nil:
		return nil, resolutionErr(fmt.Errorf("malformed player config: %w", decodeErr), false)
	}
	return &config, nil
}

// Resolve picks the tallest progressive rendition, falling back to the HLS playlists of every CDN, default first.
func (s *source) Resolve(ctx context.Context, sess course_archiver.Session) (*course_archiver.MediaDescriptor, error) {
	config, err := s.fetchConfig(ctx, sess)
	if err != nil {
		return nil, err
	}
	d := &course_archiver.MediaDescriptor{
		Backend: course_archiver.BackendVimeo,
		ID:      s.id,
		Header:  s.header(sess),
	}
	// expires is either a unix time or a lifetime in seconds from timestamp
	if r := config.Request; r.Expires > 0 {
		switch {
		case r.Expires > r.Timestamp && r.Expires > 1_000_000_000:
			d.Expires = time.Unix(r.Expires, 0)
		case r.Timestamp > 0:
			d.Expires = time.Unix(r.Timestamp+r.Expires, 0)
		default:
			d.Expires = time.Now().Add(time.Duration(r.Expires) * time.Second)
		}
	}

	// Only the best rendition is kept: a partial file can only be resumed from the rendition it started with
	var best *progressive
	for i, p := range config.Request.Files.Progressive {
		if p.URL == "" {
			continue
		}
		if best == nil || p.Height > best.Height || (p.Height == best.Height && p.FPS > best.FPS) {
			best = &config.Request.Files.Progressive[i]
		}
	}
	if best != nil {
		d.URLs = []string{best.URL}
		d.Format = FormatProgressive
		d.Ext = "mp4"
		return d, nil
	}

	hls := config.Request.Files.HLS
	if c, ok := hls.CDNs[hls.DefaultCDN]; ok && c.URL != "" {
		d.URLs = append(d.URLs, c.URL)
	}
	names := make([]string, 0, len(hls.CDNs))
	for name := range hls.CDNs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name != hls.DefaultCDN && hls.CDNs[name].URL != "" {
			d.URLs = append(d.URLs, hls.CDNs[name].URL)
		}
	}
	if len(d.URLs) == 0 {
		return nil, &course_archiver.ResolutionError{Backend: course_archiver.BackendVimeo, Err: ErrNoRenditions}
	}
	d.Format = FormatHLS
	d.Ext = "ts"
	return d, nil
}

func (s *source) Open(ctx context.Context, sess course_archiver.Session, d *course_archiver.MediaDescriptor, offset int64) (*course_archiver.Stream, error) {
	switch d.Format {
	case FormatProgressive:
		return download.OpenHTTP(ctx, sess.HTTPClient(), d.FirstURL(), d.Header, offset)
	case FormatHLS:
		return s.openHLS(ctx, sess, d)
	default:
		return nil, &course_archiver.ResolutionError{Backend: course_archiver.BackendVimeo, Err: fmt.Errorf("unknown format %q", d.Format)}
	}
}

// openHLS tries each CDN in turn while the playlist is refused. Every CDN serves the same segments and HLS always
// starts from the beginning, so switching is safe.
func (s *source) openHLS(ctx context.Context, sess course_archiver.Session, d *course_archiver.MediaDescriptor) (*course_archiver.Stream, error) {
	if len(d.URLs) == 0 {
		return nil, &course_archiver.ResolutionError{Backend: course_archiver.BackendVimeo, Err: ErrNoRenditions}
	}
	var err error
	for i, u := range d.URLs {
		var stream *course_archiver.Stream
		stream, err = download.OpenHLS(ctx, sess.HTTPClient(), u, d.Header, s.config.RetryPolicy)
		if err == nil {
			return stream, nil
		}
		var transferErr *course_archiver.TransferError
		if ctx.Err() != nil || !errors.As(err, &transferErr) {
			return nil, err
		}
		if transferErr.Kind != course_archiver.TransferTerminal && transferErr.Kind != course_archiver.TransferExpired {
			return nil, err
		}
		if i < len(d.URLs)-1 {
			zap.S().Named("vimeo").Debugw("CDN refused playlist, trying the next", "video", s.id, "error", err)
		}
	}
	return nil, err
}

var defaultConfig = NewConfig()

func init() {
	course_archiver.DefaultProviderRegistry.MustAdd(defaultConfig.Provider())
}
