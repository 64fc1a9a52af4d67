package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alanbriolat/course-archiver"
)

var (
	ErrHLSLive      = errors.New("live HLS playlists are not supported")
	ErrHLSEncrypted = errors.New("encrypted HLS segments are not supported")
	ErrHLSEmpty     = errors.New("HLS playlist has no segments")
)

// HLSPlaylist is a parsed VOD media playlist.
type HLSPlaylist struct {
	// InitURL is the EXT-X-MAP initialization segment, if any.
	InitURL  string
	Segments []string
}

type hlsVariant struct {
	URL       string
	Bandwidth int64
	Height    int64
}

// OpenHLS fetches the playlist (choosing the best variant of a master playlist) and returns a Stream that reads
// every segment back to back. HLS offers no byte offsets, so the Stream always starts at 0.
func OpenHLS(ctx context.Context, client *http.Client, playlistURL string, header http.Header, policy RetryPolicy) (*course_archiver.Stream, error) {
	policy = policy.Normalize()
	playlist, err := FetchHLSPlaylist(ctx, client, playlistURL, header, policy)
	if err != nil {
		return nil, err
	}
	urls := playlist.Segments
	if playlist.InitURL != "" {
		urls = append([]string{playlist.InitURL}, urls...)
	}
	return &course_archiver.Stream{
		ReadCloser: &hlsReader{ctx: ctx, client: client, header: header, policy: policy, urls: urls},
		Offset:     0,
		Size:       -1,
	}, nil
}

// FetchHLSPlaylist fetches and parses a media playlist, following a master playlist to its best variant.
func FetchHLSPlaylist(ctx context.Context, client *http.Client, playlistURL string, header http.Header, policy RetryPolicy) (*HLSPlaylist, error) {
	for depth := 0; depth < 3; depth++ {
		body, err := getWithRetry(ctx, client, playlistURL, header, policy)
		if err != nil {
			return nil, err
		}
		variants, playlist, err := parseHLS(string(body), playlistURL)
		if err != nil {
			return nil, err
		}
		if playlist != nil {
			return playlist, nil
		}
		best := variants[0]
		for _, v := range variants[1:] {
			if v.Height > best.Height || (v.Height == best.Height && v.Bandwidth > best.Bandwidth) {
				best = v
			}
		}
		playlistURL = best.URL
	}
	return nil, &course_archiver.TransferError{Kind: course_archiver.TransferTerminal, Err: errors.New("too many nested HLS playlists")}
}

func parseHLS(manifest string, manifestURL string) ([]hlsVariant, *HLSPlaylist, error) {
	terminal := func(err error) error {
		return &course_archiver.TransferError{Kind: course_archiver.TransferTerminal, Err: err}
	}
	scanner := bufio.NewScanner(strings.NewReader(manifest))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var (
		variants   []hlsVariant
		playlist   HLSPlaylist
		endList    bool
		pendingInf bool
		pendingVar *hlsVariant
		sawExtM3U  bool
		firstLine  = true
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if firstLine {
			firstLine = false
			sawExtM3U = line == "#EXTM3U"
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			v := &hlsVariant{}
			v.Bandwidth, _ = strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)
			if _, h, ok := strings.Cut(attrs["RESOLUTION"], "x"); ok {
				v.Height, _ = strconv.ParseInt(h, 10, 64)
			}
			pendingVar = v
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			if method := attrs["METHOD"]; method != "" && method != "NONE" {
				return nil, nil, terminal(fmt.Errorf("%w (%s)", ErrHLSEncrypted, method))
			}
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-MAP:"))
			if uri := attrs["URI"]; uri != "" {
				playlist.InitURL = resolveURL(manifestURL, uri)
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			pendingInf = true
		case line == "#EXT-X-ENDLIST":
			endList = true
		case strings.HasPrefix(line, "#"):
			// Other tags don't affect which bytes make up the video
		default:
			switch {
			case pendingVar != nil:
				pendingVar.URL = resolveURL(manifestURL, line)
				variants = append(variants, *pendingVar)
				pendingVar = nil
			case pendingInf:
				playlist.Segments = append(playlist.Segments, resolveURL(manifestURL, line))
				pendingInf = false
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, terminal(err)
	}
	if !sawExtM3U {
		return nil, nil, terminal(errors.New("not an HLS playlist"))
	}
	if len(variants) > 0 {
		return variants, nil, nil
	}
	if !endList {
		return nil, nil, terminal(ErrHLSLive)
	}
	if len(playlist.Segments) == 0 {
		return nil, nil, terminal(ErrHLSEmpty)
	}
	return nil, &playlist, nil
}

// parseAttrs parses an M3U8 attribute list such as `METHOD=AES-128,URI="key.bin"`.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value, s = s[1:], ""
			} else {
				value, s = s[1:end+1], s[end+2:]
			}
		} else if comma := strings.IndexByte(s, ','); comma >= 0 {
			value, s = s[:comma], s[comma:]
		} else {
			value, s = s, ""
		}
		attrs[key] = value
		s = strings.TrimPrefix(s, ",")
	}
	return attrs
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func getWithRetry(ctx context.Context, client *http.Client, rawURL string, header http.Header, policy RetryPolicy) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		body, err := func() ([]byte, error) {
			stream, err := OpenHTTP(ctx, client, rawURL, header, 0)
			if err != nil {
				return nil, err
			}
			defer stream.Close()
			body, err := io.ReadAll(stream)
			if err != nil {
				return nil, &course_archiver.TransferError{Kind: course_archiver.TransferTransient, Err: err}
			}
			return body, nil
		}()
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == policy.MaxRetries {
			break
		}
		if err := Wait(ctx, policy.BackoffForErr(attempt, err)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// hlsReader reads the segments in order, fetching each one whole (with retries) before handing out its bytes.
type hlsReader struct {
	ctx    context.Context
	client *http.Client
	header http.Header
	policy RetryPolicy
	urls   []string
	next   int
	buf    []byte
}

func (r *hlsReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= len(r.urls) {
			return 0, io.EOF
		}
		body, err := getWithRetry(r.ctx, r.client, r.urls[r.next], r.header, r.policy)
		if err != nil {
			return 0, fmt.Errorf("segment %d/%d: %w", r.next+1, len(r.urls), err)
		}
		r.buf = body
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *hlsReader) Close() error {
	r.buf = nil
	r.next = len(r.urls)
	return nil
}
