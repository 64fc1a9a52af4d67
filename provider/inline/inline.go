// Package inline saves content the platform embeds in its own responses, such as lesson descriptions. Nothing is
// fetched from the network.
package inline

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/alanbriolat/course-archiver"
)

func Match(item course_archiver.ContentItem) (course_archiver.Source, error) {
	if item.Kind != course_archiver.ContentKindDescription && item.Hint != course_archiver.BackendInline {
		return nil, errors.New("not inline content")
	}
	if strings.TrimSpace(item.Body) == "" {
		return nil, errors.New("empty inline content")
	}
	return &source{body: item.Body}, nil
}

func New() course_archiver.Provider {
	return course_archiver.Provider{Name: "inline", Backend: course_archiver.BackendInline, Match: Match}
}

type source struct {
	body string
}

func (s *source) Backend() course_archiver.Backend {
	return course_archiver.BackendInline
}

func (s *source) render() (string, error) {
	text, err := Text(s.body)
	if err != nil {
		return "", &course_archiver.ResolutionError{Backend: course_archiver.BackendInline, Err: err}
	}
	return text, nil
}

func (s *source) Resolve(ctx context.Context, sess course_archiver.Session) (*course_archiver.MediaDescriptor, error) {
	text, err := s.render()
	if err != nil {
		return nil, err
	}
	return &course_archiver.MediaDescriptor{
		Backend: course_archiver.BackendInline,
		Format:  "text",
		Ext:     "txt",
		Size:    int64(len(text)),
	}, nil
}

// Open always starts from the beginning, the content is small enough to rewrite.
func (s *source) Open(ctx context.Context, sess course_archiver.Session, d *course_archiver.MediaDescriptor, offset int64) (*course_archiver.Stream, error) {
	text, err := s.render()
	if err != nil {
		return nil, err
	}
	return &course_archiver.Stream{
		ReadCloser: io.NopCloser(strings.NewReader(text)),
		Offset:     0,
		Size:       int64(len(text)),
	}, nil
}

func init() {
	course_archiver.DefaultProviderRegistry.MustAdd(New().WithPriority(course_archiver.PriorityHighest))
}
