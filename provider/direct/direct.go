// Package direct handles content served as a plain file over HTTP, such as lesson attachments.
package direct

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/download"
	"github.com/alanbriolat/course-archiver/generic"
	"github.com/alanbriolat/course-archiver/util"
)

type Config struct {
	Protocols generic.Set[string]
	// Extensions are recognised as direct files even when the platform gives no backend hint.
	Extensions generic.Set[string]
}

func NewConfig() Config {
	return Config{
		Protocols: generic.NewSet(
			"http",
			"https",
		),
		Extensions: generic.NewSet(
			// Documents
			"pdf", "doc", "docx", "odt", "rtf", "txt", "csv", "epub",
			"xls", "xlsx", "ods", "ppt", "pptx", "odp",
			// Archives
			"zip", "rar", "7z", "gz", "tgz",
			// Media
			"mp3", "m4a", "wav", "flv", "m4v", "mkv", "mp4", "webm",
			"png", "jpg", "jpeg", "gif", "svg",
			// GIS data
			"kml", "kmz", "shp", "tif", "tiff", "gpkg", "geojson",
		),
	}
}

func (c *Config) Match(item course_archiver.ContentItem) (course_archiver.Source, error) {
	// Expect reference to be a URL
	parsedURL, err := url.Parse(item.Reference)
	if err != nil {
		return nil, err
	}
	// Check that scheme/protocol is valid
	if !c.Protocols.Contains(parsedURL.Scheme) {
		return nil, fmt.Errorf("unknown URL scheme %q", parsedURL.Scheme)
	}
	ext := item.Ext
	if ext == "" {
		if filename, err := util.FilenameFromURL(parsedURL); err == nil {
			ext = util.Ext(filename)
		}
	}
	// Without a hint from the platform, only accept URLs that look like files
	if item.Hint != course_archiver.BackendDirect {
		if ext == "" {
			return nil, fmt.Errorf("no file extension found")
		}
		if !c.Extensions.Contains(ext) {
			return nil, fmt.Errorf("unknown file extension %q", ext)
		}
	}
	return &source{url: parsedURL.String(), ext: ext}, nil
}

func (c Config) Provider() course_archiver.Provider {
	return course_archiver.Provider{
		Name:    "direct",
		Backend: course_archiver.BackendDirect,
		Match:   c.Match,
	}
}

type source struct {
	url string
	ext string
}

func (s *source) Backend() course_archiver.Backend {
	return course_archiver.BackendDirect
}

func (s *source) String() string {
	return s.url
}

func (s *source) Resolve(ctx context.Context, sess course_archiver.Session) (*course_archiver.MediaDescriptor, error) {
	header := http.Header{}
	header.Set("Referer", course_archiver.Referer(sess))
	return &course_archiver.MediaDescriptor{
		Backend: course_archiver.BackendDirect,
		URLs:    []string{s.url},
		Header:  header,
		Ext:     s.ext,
	}, nil
}

func (s *source) Open(ctx context.Context, sess course_archiver.Session, d *course_archiver.MediaDescriptor, offset int64) (*course_archiver.Stream, error) {
	return download.OpenHTTP(ctx, sess.HTTPClient(), d.FirstURL(), d.Header, offset)
}

func init() {
	course_archiver.DefaultProviderRegistry.MustAdd(
		NewConfig().Provider().WithPriority(course_archiver.PriorityLowest),
	)
}
