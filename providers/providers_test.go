package providers

import (
	"testing"

	assert_ "github.com/stretchr/testify/assert"

	"github.com/alanbriolat/course-archiver"
)

func TestDefaultRegistry(t *testing.T) {
	assert := assert_.New(t)
	registry := &course_archiver.DefaultProviderRegistry

	names := registry.List()
	assert.ElementsMatch([]string{"inline", "vimeo", "youtube", "direct"}, names)
	assert.Equal("inline", names[0])
	assert.Equal("direct", names[len(names)-1])

	cases := []struct {
		item    course_archiver.ContentItem
		backend course_archiver.Backend
	}{
		{course_archiver.ContentItem{Reference: "987654321", Hint: course_archiver.BackendVimeo}, course_archiver.BackendVimeo},
		{course_archiver.ContentItem{Reference: "https://player.vimeo.com/video/987654321"}, course_archiver.BackendVimeo},
		{course_archiver.ContentItem{Reference: "dQw4w9WgXcQ", Hint: course_archiver.BackendYouTube}, course_archiver.BackendYouTube},
		{course_archiver.ContentItem{Reference: "https://youtu.be/dQw4w9WgXcQ"}, course_archiver.BackendYouTube},
		// A video file is still a file
		{course_archiver.ContentItem{Reference: "https://cdn.example.com/aula.mp4"}, course_archiver.BackendDirect},
		{course_archiver.ContentItem{Kind: course_archiver.ContentKindDescription, Body: "<p>Olá</p>"}, course_archiver.BackendInline},
		{course_archiver.ContentItem{Reference: "https://meet.example.com/room/42"}, course_archiver.BackendUnknown},
		{course_archiver.ContentItem{Reference: "987654321"}, course_archiver.BackendUnknown},
		{course_archiver.ContentItem{}, course_archiver.BackendUnknown},
	}
	for _, c := range cases {
		match := registry.Match(c.item)
		assert.Equal(c.backend, match.Backend(), "%+v", c.item)
		if c.backend == course_archiver.BackendUnknown {
			assert.Error(match.Err)
		}
	}
}
