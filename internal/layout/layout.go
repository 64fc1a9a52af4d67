// Package layout maps a course tree onto the downloads directory.
package layout

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/internal/sync_"
)

const DefaultRoot = "downloads"

// Options configures an Organizer.
type Options struct {
	Root string
	SanitizeOptions
}

type claims struct {
	byKey   map[course_archiver.ItemKey]string
	byPath  map[string]course_archiver.ItemKey
	planned map[string]bool
}

// An Organizer gives every ContentItem a destination path of the form
//
//	<root>/<course>/<order>-<module>/<order>-<lesson>/<content title>.<ext>
//
// Paths are a deterministic function of the identifiers and titles. The first request for a course places every
// item of its tree at once: among items whose names collide after sanitizing, the one with the lowest identifier
// keeps the plain name and the others get "<title> [<id>]", or that plus a hash of the key if even that is taken.
// Items outside the tree are placed as they are asked for, under the same rules.
type Organizer struct {
	opts   Options
	claims *sync_.Mutexed[claims]
}

func New(opts Options) *Organizer {
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	return &Organizer{
		opts: opts,
		claims: sync_.NewMutexed(claims{
			byKey:   make(map[course_archiver.ItemKey]string),
			byPath:  make(map[string]course_archiver.ItemKey),
			planned: make(map[string]bool),
		}),
	}
}

func (o *Organizer) sanitize(s string) string {
	return Sanitize(s, o.opts.SanitizeOptions)
}

// CourseDir is the directory holding everything downloaded for the course.
func (o *Organizer) CourseDir(c *course_archiver.Course) string {
	return filepath.Join(o.opts.Root, o.sanitize(c.Title))
}

// LessonDir is the directory holding a lesson's content items.
func (o *Organizer) LessonDir(c *course_archiver.Course, m *course_archiver.Module, l *course_archiver.Lesson) string {
	return filepath.Join(
		o.CourseDir(c),
		o.sanitize(fmt.Sprintf("%02d-%s", m.Order, m.Title)),
		o.sanitize(fmt.Sprintf("%02d-%s", l.Order, l.Title)),
	)
}

// DestinationFor returns the path item is saved to, using the item's declared extension. No two items are given
// the same path.
func (o *Organizer) DestinationFor(c *course_archiver.Course, m *course_archiver.Module, l *course_archiver.Lesson, item *course_archiver.ContentItem) string {
	key := course_archiver.KeyFor(c, m, l, item)
	var result string
	_ = o.claims.Locked(func(cl *claims) error {
		if !cl.planned[c.ID] {
			cl.planned[c.ID] = true
			o.plan(cl, c)
		}
		if p, ok := cl.byKey[key]; ok {
			result = p
			return nil
		}
		dir := o.LessonDir(c, m, l)
		p := o.plainPath(dir, item)
		if owner, taken := cl.byPath[foldPath(p)]; !taken || owner == key {
			cl.take(key, p)
			result = p
			return nil
		}
		result = o.suffixed(cl, key, dir, item)
		return nil
	})
	return result
}

type placement struct {
	key  course_archiver.ItemKey
	dir  string
	item *course_archiver.ContentItem
	path string
}

// plan places every not yet placed item of the course. Plain names are all claimed before any suffixed one, so a
// suffixed name can never take the plain name of another item.
func (o *Organizer) plan(cl *claims, c *course_archiver.Course) {
	groups := make(map[string][]placement)
	var order []string
	seen := make(map[course_archiver.ItemKey]bool)
	_ = c.Items(func(m *course_archiver.Module, l *course_archiver.Lesson, item *course_archiver.ContentItem) error {
		key := course_archiver.KeyFor(c, m, l, item)
		if _, ok := cl.byKey[key]; ok || seen[key] {
			return nil
		}
		seen[key] = true
		dir := o.LessonDir(c, m, l)
		p := o.plainPath(dir, item)
		folded := foldPath(p)
		if _, ok := groups[folded]; !ok {
			order = append(order, folded)
		}
		groups[folded] = append(groups[folded], placement{key: key, dir: dir, item: item, path: p})
		return nil
	})

	var rest []placement
	for _, folded := range order {
		group := groups[folded]
		sort.SliceStable(group, func(i, j int) bool { return lessKey(group[i].key, group[j].key) })
		if _, taken := cl.byPath[folded]; taken {
			rest = append(rest, group...)
			continue
		}
		cl.take(group[0].key, group[0].path)
		rest = append(rest, group[1:]...)
	}
	sort.SliceStable(rest, func(i, j int) bool { return lessKey(rest[i].key, rest[j].key) })
	for _, p := range rest {
		o.suffixed(cl, p.key, p.dir, p.item)
	}
}

func (o *Organizer) plainPath(dir string, item *course_archiver.ContentItem) string {
	return filepath.Join(dir, withExt(o.sanitize(item.Title), extFor(item)))
}

// suffixed claims the first free name of "<title> [<id>]", "<title> [<id> <hash>]", "<title> [<id> <hash>-2]", ...
func (o *Organizer) suffixed(cl *claims, key course_archiver.ItemKey, dir string, item *course_archiver.ContentItem) string {
	sum := sha1.Sum([]byte(key.String()))
	hash := hex.EncodeToString(sum[:])[:hashSuffixLen]
	for i := 0; ; i++ {
		var name string
		switch i {
		case 0:
			name = fmt.Sprintf("%s [%s]", item.Title, item.ID)
		case 1:
			name = fmt.Sprintf("%s [%s %s]", item.Title, item.ID, hash)
		default:
			name = fmt.Sprintf("%s [%s %s-%d]", item.Title, item.ID, hash, i)
		}
		p := filepath.Join(dir, withExt(o.sanitize(name), extFor(item)))
		if owner, taken := cl.byPath[foldPath(p)]; !taken || owner == key {
			cl.take(key, p)
			return p
		}
	}
}

func (cl *claims) take(key course_archiver.ItemKey, p string) {
	cl.byKey[key] = p
	cl.byPath[foldPath(p)] = key
}

// lessKey orders keys by item identifier, numerically when both are numbers, then by the whole key.
func lessKey(a, b course_archiver.ItemKey) bool {
	if a.ItemID != b.ItemID {
		x, errX := strconv.ParseInt(a.ItemID, 10, 64)
		y, errY := strconv.ParseInt(b.ItemID, 10, 64)
		if errX == nil && errY == nil {
			return x < y
		}
		return a.ItemID < b.ItemID
	}
	return a.String() < b.String()
}

// WithExt replaces the extension of a path returned by DestinationFor.
func WithExt(p string, ext string) string {
	if ext == "" {
		return p
	}
	return withExt(Stem(p), ext)
}

// Stem is p without its extension.
func Stem(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p))
}

// SameStem reports whether a and b name the same destination, ignoring extensions.
func SameStem(a, b string) bool {
	return filepath.Clean(Stem(a)) == filepath.Clean(Stem(b))
}

func withExt(name, ext string) string {
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func extFor(item *course_archiver.ContentItem) string {
	if item.Ext != "" {
		return strings.ToLower(item.Ext)
	}
	switch item.Kind {
	case course_archiver.ContentKindVideo:
		return "mp4"
	case course_archiver.ContentKindDescription:
		return "txt"
	default:
		return "bin"
	}
}

// foldPath makes collision checks case-insensitive, as on Windows and macOS filesystems.
func foldPath(p string) string {
	return strings.ToLower(filepath.Clean(p))
}
