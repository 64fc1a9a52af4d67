// Package youtube resolves YouTube embeds with github.com/kkdai/youtube/v2, using cookies from the configured
// desktop browser profile when there are any.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/download"
)

const DefaultCookieDomain = "youtube.com"

var (
	ErrNoFormats = errors.New("no downloadable format with audio")

	bareIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
)

type Config struct {
	// CookieDomain is the domain browser cookies are requested for.
	CookieDomain string
}

func NewConfig() Config {
	return Config{CookieDomain: DefaultCookieDomain}
}

func (c *Config) Match(item course_archiver.ContentItem) (course_archiver.Source, error) {
	ref := strings.TrimSpace(item.Reference)
	// The platform stores bare video IDs for its youtube lessons
	if item.Hint == course_archiver.BackendYouTube && bareIDPattern.MatchString(ref) {
		return &source{config: c, videoID: ref}, nil
	}
	parsedURL, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	videoID, err := extractVideoID(parsedURL)
	if err != nil {
		return nil, err
	}
	// Catch anything odd in what the path gave us
	id, err := youtube.ExtractVideoID(*videoID)
	if err != nil {
		return nil, err
	}
	return &source{config: c, videoID: id}, nil
}

func (c Config) Provider() course_archiver.Provider {
	return course_archiver.Provider{
		Name:    "youtube",
		Backend: course_archiver.BackendYouTube,
		Match:   c.Match,
	}
}

type source struct {
	config  *Config
	videoID string
}

func (s *source) Backend() course_archiver.Backend {
	return course_archiver.BackendYouTube
}

func (s *source) URL() string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", s.videoID)
}

func (s *source) String() string {
	return s.URL()
}

// httpClient is the session's client with a cookie jar holding the browser's cookies for YouTube instead of the
// platform's. Without browser cookies the session's client is used as is.
func (s *source) httpClient(ctx context.Context, sess course_archiver.Session) (*http.Client, error) {
	cookies, err := sess.BrowserCookies(ctx, s.config.CookieDomain)
	if errors.Is(err, course_archiver.ErrNoCookies) || (err == nil && len(cookies) == 0) {
		return sess.HTTPClient(), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load browser cookies: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	for _, host := range []string{"www.youtube.com", "m.youtube.com", "youtube.com"} {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, cookies)
	}
	client := *sess.HTTPClient()
	client.Jar = jar
	return &client, nil
}

func (s *source) Resolve(ctx context.Context, sess course_archiver.Session) (*course_archiver.MediaDescriptor, error) {
	httpClient, err := s.httpClient(ctx, sess)
	if err != nil {
		return nil, &course_archiver.ResolutionError{Backend: course_archiver.BackendYouTube, Err: err}
	}
	client := youtube.Client{HTTPClient: httpClient}
	video, err := client.GetVideoContext(ctx, s.URL())
	if err != nil {
		return nil, resolutionError(ctx, fmt.Errorf("failed to get video info: %w", err))
	}
	format := pickFormat(video.Formats)
	if format == nil {
		return nil, &course_archiver.ResolutionError{Backend: course_archiver.BackendYouTube, Err: ErrNoFormats}
	}
	streamURL, err := client.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return nil, resolutionError(ctx, fmt.Errorf("failed to get stream URL: %w", err))
	}
	return &course_archiver.MediaDescriptor{
		Backend: course_archiver.BackendYouTube,
		ID:      video.ID,
		URLs:    []string{streamURL},
		Format:  strconv.Itoa(format.ItagNo),
		Ext:     extFromMimeType(format.MimeType),
		Size:    format.ContentLength,
		Expires: expiresFrom(streamURL),
	}, nil
}

func (s *source) Open(ctx context.Context, sess course_archiver.Session, d *course_archiver.MediaDescriptor, offset int64) (*course_archiver.Stream, error) {
	httpClient, err := s.httpClient(ctx, sess)
	if err != nil {
		return nil, &course_archiver.ResolutionError{Backend: course_archiver.BackendYouTube, Err: err}
	}
	return download.OpenHTTP(ctx, httpClient, d.FirstURL(), d.Header, offset)
}

// resolutionError marks failures that will not go away by retrying (private, age-gated, not embeddable) as
// permanent, and anything else as temporary.
func resolutionError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var playability youtube.ErrPlayabiltyStatus
	var status youtube.ErrUnexpectedStatusCode
	temporary := true
	switch {
	case errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrNotPlayableInEmbed),
		errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.As(err, &playability):
		temporary = false
	case errors.As(err, &status):
		temporary = download.ClassifyStatus(int(status)) == course_archiver.TransferTransient
	}
	return &course_archiver.ResolutionError{Backend: course_archiver.BackendYouTube, Err: err, Temporary: temporary}
}

// pickFormat chooses the widest muxed (audio+video) format, preferring mp4 over other containers of the same width.
func pickFormat(formats youtube.FormatList) *youtube.Format {
	candidates := formats.WithAudioChannels().Select(func(f youtube.Format) bool {
		return f.Width > 0 && strings.HasPrefix(f.MimeType, "video/")
	})
	if len(candidates) == 0 {
		return nil
	}
	candidates.Sort()
	best := candidates[0]
	for _, f := range candidates {
		if f.Width < best.Width {
			break
		}
		if strings.HasPrefix(f.MimeType, "video/mp4") {
			best = f
			break
		}
	}
	return &best
}

// extFromMimeType turns e.g. `video/mp4; codecs="avc1.42001E, mp4a.40.2"` into "mp4".
func extFromMimeType(mimeType string) string {
	mediaType := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	parts := strings.SplitN(mediaType, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "mp4"
	}
	return parts[1]
}

// expiresFrom reads the unix time in a googlevideo URL's expire parameter.
func expiresFrom(streamURL string) time.Time {
	u, err := url.Parse(streamURL)
	if err != nil {
		return time.Time{}
	}
	expire, err := strconv.ParseInt(u.Query().Get("expire"), 10, 64)
	if err != nil || expire <= 0 {
		return time.Time{}
	}
	return time.Unix(expire, 0)
}

// Extract video ID from YouTube URL.
//
// Allowed URL formats:
//
//	http(s?)://(www|m).youtube.com/(watch|details)?v={VIDEO_ID}
//	http(s?)://(www|m).youtube.com/(v|embed|shorts)/{VIDEO_ID}
//	http(s?)://www.youtube-nocookie.com/embed/{VIDEO_ID}
//	http(s?)://youtu.be/{VIDEO_ID}
func extractVideoID(url *url.URL) (*string, error) {
	var id string
	switch url.Hostname() {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "www.youtube-nocookie.com", "youtube-nocookie.com":
		if parts := strings.SplitN(strings.TrimPrefix(url.Path, "/"), "/", 3); len(parts) >= 2 &&
			(parts[0] == "v" || parts[0] == "embed" || parts[0] == "shorts") {
			id = parts[1]
		} else if url.Path == "/watch" || url.Path == "/details" {
			if url.Query().Has("v") {
				id = url.Query().Get("v")
			} else {
				return nil, fmt.Errorf("missing ?v= query parameter")
			}
		}
	case "youtu.be":
		id = strings.Trim(url.Path, "/")
	default:
		return nil, fmt.Errorf("unrecognised hostname")
	}
	if id == "" {
		return nil, fmt.Errorf("could not extract video ID")
	}
	return &id, nil
}

var defaultConfig = NewConfig()

func init() {
	course_archiver.DefaultProviderRegistry.MustAdd(defaultConfig.Provider())
}
