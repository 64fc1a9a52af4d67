package layout

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	assert_ "github.com/stretchr/testify/assert"

	"github.com/alanbriolat/course-archiver"
)

func testTree() (*course_archiver.Course, *course_archiver.Module, *course_archiver.Lesson) {
	c := &course_archiver.Course{ID: "c1", Title: "Curso de Geoprocessamento"}
	m := &course_archiver.Module{ID: "m1", Title: "Módulo 1: Intro/Avançado?", Order: 1}
	l := &course_archiver.Lesson{ID: "l1", Title: "Aula 1", Order: 3}
	return c, m, l
}

func TestSanitize(t *testing.T) {
	assert := assert_.New(t)
	opts := SanitizeOptions{}

	s := Sanitize("Módulo 1: Intro/Avançado?", opts)
	assert.NotContains(s, ":")
	assert.NotContains(s, "/")
	assert.NotContains(s, "?")
	assert.Equal(s, Sanitize("Módulo 1: Intro/Avançado?", opts))
	assert.Equal("Módulo 1_ Intro_Avançado_", s)

	assert.Equal("a_b", Sanitize(`a<>:"|?*b`, opts))
	assert.Equal("trailing", Sanitize("  trailing. . ", opts))
	assert.Equal("a b", Sanitize("a \t  b", opts))
	assert.Equal("untitled", Sanitize(" ... ", opts))
	assert.Equal("_con", Sanitize("con", opts))
	assert.Equal("_nul.txt", Sanitize("nul.txt", opts))
	assert.Equal("console", Sanitize("console", opts))

	// NFC and NFD spellings of the same title give the same segment
	assert.Equal(Sanitize("Avan\u00e7ado", opts), Sanitize("Avanc\u0327ado", opts))

	assert.Equal("modulo-1-intro-avancado", Sanitize("Módulo 1: Intro/Avançado?", SanitizeOptions{ASCII: true}))
}

func TestSanitizeTruncate(t *testing.T) {
	assert := assert_.New(t)
	opts := SanitizeOptions{MaxLength: 20}

	a := Sanitize(strings.Repeat("x", 30)+"a", opts)
	b := Sanitize(strings.Repeat("x", 30)+"b", opts)
	assert.Equal(20, utf8.RuneCountInString(a))
	assert.NotEqual(a, b)
	assert.True(strings.HasPrefix(a, strings.Repeat("x", 11)))
	assert.Equal(a, Sanitize(strings.Repeat("x", 30)+"a", opts))
}

func TestDestinationForDeterministic(t *testing.T) {
	assert := assert_.New(t)
	c, m, l := testTree()
	item := &course_archiver.ContentItem{ID: "video", Kind: course_archiver.ContentKindVideo, Title: "Aula 1"}

	p1 := New(Options{Root: "downloads"}).DestinationFor(c, m, l, item)
	p2 := New(Options{Root: "downloads"}).DestinationFor(c, m, l, item)
	assert.Equal(p1, p2)
	assert.Equal(filepath.Join("downloads", "Curso de Geoprocessamento", "01-Módulo 1_ Intro_Avançado_", "03-Aula 1", "Aula 1.mp4"), p1)

	o := New(Options{})
	assert.Equal(o.DestinationFor(c, m, l, item), o.DestinationFor(c, m, l, item))
}

func TestDestinationForCollision(t *testing.T) {
	assert := assert_.New(t)
	c, m, l := testTree()
	a := &course_archiver.ContentItem{ID: "attachment-1", Kind: course_archiver.ContentKindAttachment, Title: "Material: parte 1", Ext: "pdf"}
	b := &course_archiver.ContentItem{ID: "attachment-2", Kind: course_archiver.ContentKindAttachment, Title: "Material? parte 1", Ext: "PDF"}

	o := New(Options{})
	pa := o.DestinationFor(c, m, l, a)
	pb := o.DestinationFor(c, m, l, b)
	assert.NotEqual(pa, pb)
	assert.Equal("Material_ parte 1.pdf", filepath.Base(pa))
	assert.Equal("Material_ parte 1 [attachment-2].pdf", filepath.Base(pb))

	// Stable on repeated calls, in any order
	assert.Equal(pb, o.DestinationFor(c, m, l, b))
	assert.Equal(pa, o.DestinationFor(c, m, l, a))
}

func TestWithExt(t *testing.T) {
	assert := assert_.New(t)
	assert.Equal(filepath.Join("a", "b.ts"), WithExt(filepath.Join("a", "b.mp4"), "ts"))
	assert.Equal(filepath.Join("a", "b.mp4"), WithExt(filepath.Join("a", "b.mp4"), ""))
	assert.True(SameStem(filepath.Join("a", "b.mp4"), filepath.Join("a", "b.ts")))
	assert.False(SameStem(filepath.Join("a", "b.mp4"), filepath.Join("a", "c.mp4")))
}

func TestDestinationForSuffixAlreadyTaken(t *testing.T) {
	assert := assert_.New(t)
	c, m, l := testTree()
	a := &course_archiver.ContentItem{ID: "1", Kind: course_archiver.ContentKindAttachment, Title: "Aula", Ext: "pdf"}
	b := &course_archiver.ContentItem{ID: "2", Kind: course_archiver.ContentKindAttachment, Title: "Aula", Ext: "pdf"}
	x := &course_archiver.ContentItem{ID: "3", Kind: course_archiver.ContentKindAttachment, Title: "Aula [2]", Ext: "pdf"}

	o := New(Options{})
	pa := o.DestinationFor(c, m, l, a)
	px := o.DestinationFor(c, m, l, x)
	pb := o.DestinationFor(c, m, l, b)
	assert.Equal("Aula.pdf", filepath.Base(pa))
	assert.Equal("Aula [2].pdf", filepath.Base(px))
	assert.NotEqual(px, pb)
	assert.NotEqual(pa, pb)
	assert.True(strings.HasPrefix(filepath.Base(pb), "Aula [2 "), pb)
	assert.Equal(pb, o.DestinationFor(c, m, l, b))
}

func TestDestinationForTreeOrderIndependent(t *testing.T) {
	assert := assert_.New(t)
	items := []course_archiver.ContentItem{
		{ID: "3", Kind: course_archiver.ContentKindAttachment, Title: "Aula [2]", Ext: "pdf"},
		{ID: "2", Kind: course_archiver.ContentKindAttachment, Title: "Aula", Ext: "pdf"},
		{ID: "10", Kind: course_archiver.ContentKindAttachment, Title: "aula", Ext: "pdf"},
		{ID: "1", Kind: course_archiver.ContentKindAttachment, Title: "Aula", Ext: "pdf"},
	}
	course := func() *course_archiver.Course {
		c, m, l := testTree()
		l.Items = append([]course_archiver.ContentItem(nil), items...)
		m.Lessons = []course_archiver.Lesson{*l}
		c.Modules = []course_archiver.Module{*m}
		return c
	}
	placeAll := func(reverse bool) map[string]string {
		c := course()
		m, l := &c.Modules[0], &c.Modules[0].Lessons[0]
		o := New(Options{})
		paths := make(map[string]string)
		for i := range l.Items {
			item := &l.Items[i]
			if reverse {
				item = &l.Items[len(l.Items)-1-i]
			}
			paths[item.ID] = filepath.Base(o.DestinationFor(c, m, l, item))
		}
		return paths
	}

	forward := placeAll(false)
	assert.Equal(forward, placeAll(true))
	assert.Equal("Aula.pdf", forward["1"], "lowest identifier keeps the plain name")
	assert.Equal("Aula [2].pdf", forward["3"])
	assert.Equal("aula [10].pdf", forward["10"])
	assert.True(strings.HasPrefix(forward["2"], "Aula [2 "), forward["2"])

	unique := make(map[string]string)
	for id, p := range forward {
		folded := strings.ToLower(p)
		assert.NotContains(unique, folded, "%s and %s share a path", id, unique[folded])
		unique[folded] = id
	}
}
