package course_archiver

import (
	"fmt"
	"strings"
)

// ContentKind is the platform-declared kind of a ContentItem.
type ContentKind string

const (
	ContentKindVideo      ContentKind = "video"
	ContentKindAttachment ContentKind = "attachment"
	// ContentKindDescription is the lesson's own text, saved alongside its media.
	ContentKindDescription ContentKind = "description"
)

// A Course is a read-only snapshot of the platform's course tree, built once per run.
type Course struct {
	ID      string
	Title   string
	URL     string
	Modules []Module
}

type Module struct {
	ID      string
	Title   string
	Order   int
	Lessons []Lesson
}

type Lesson struct {
	ID    string
	Title string
	Order int
	// Type is the platform's lesson type code (e.g. 7 for vimeo lessons).
	Type  int
	Items []ContentItem
}

// A ContentItem is any downloadable unit within a Lesson.
type ContentItem struct {
	ID    string
	Kind  ContentKind
	Title string
	// Reference is the raw embed URL, file URL or provider-specific ID as given by the platform.
	Reference string
	// Hint is the backend the platform itself declares for this item, if any.
	Hint Backend
	// Ext is the file extension declared by the platform (without the dot), if known.
	Ext string
	// Body holds inline content, for description items.
	Body string
	// Err is set when the item was discovered but its details could not be extracted.
	Err error
}

// ItemKey identifies a ContentItem across runs.
type ItemKey struct {
	CourseID string `json:"course_id"`
	ModuleID string `json:"module_id"`
	LessonID string `json:"lesson_id"`
	ItemID   string `json:"item_id"`
}

const keySeparator = "\x1f"

func KeyFor(c *Course, m *Module, l *Lesson, item *ContentItem) ItemKey {
	return ItemKey{
		CourseID: c.ID,
		ModuleID: m.ID,
		LessonID: l.ID,
		ItemID:   item.ID,
	}
}

// String gives the storage form of the key, which sorts by course, then module, lesson and item.
func (k ItemKey) String() string {
	return strings.Join([]string{k.CourseID, k.ModuleID, k.LessonID, k.ItemID}, keySeparator)
}

func (k ItemKey) Display() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.CourseID, k.ModuleID, k.LessonID, k.ItemID)
}

// ParseItemKey is the inverse of ItemKey.String.
func ParseItemKey(s string) (ItemKey, error) {
	parts := strings.Split(s, keySeparator)
	if len(parts) != 4 {
		return ItemKey{}, fmt.Errorf("malformed item key %q", s)
	}
	return ItemKey{CourseID: parts[0], ModuleID: parts[1], LessonID: parts[2], ItemID: parts[3]}, nil
}

// Items calls f for every ContentItem in tree order, stopping at the first error.
func (c *Course) Items(f func(m *Module, l *Lesson, item *ContentItem) error) error {
	for mi := range c.Modules {
		m := &c.Modules[mi]
		for li := range m.Lessons {
			l := &m.Lessons[li]
			for ii := range l.Items {
				if err := f(m, l, &l.Items[ii]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// CountItems returns the number of ContentItems in the tree.
func (c *Course) CountItems() int {
	n := 0
	_ = c.Items(func(*Module, *Lesson, *ContentItem) error {
		n++
		return nil
	})
	return n
}
