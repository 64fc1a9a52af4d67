package platform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/util"
)

// Lesson type codes used by the platform.
const (
	LessonTypeYouTube   = 4
	LessonTypeVimeo     = 7
	LessonTypeHyperlink = 9
)

// ContentItem IDs, unique within a lesson.
const (
	itemIDVideo       = "video"
	itemIDDescription = "description"
	itemIDLesson      = "lesson"
	itemIDPlaceholder = "placeholder"
	attachmentPrefix  = "attachment-"

	DescriptionTitle = "Description"
)

type complementary struct {
	ID    flexString `json:"id"`
	Title string     `json:"title"`
	File  struct {
		URL string `json:"url"`
	} `json:"file"`
}

// lessonDetail is the part of the lesson API's response that holds content.
type lessonDetail struct {
	VideoID         flexString      `json:"videoId"`
	Description     string          `json:"description"`
	Complementaries []complementary `json:"complementaries"`
}

// BackendHint is the backend the platform declares through a lesson's type code. Hyperlink lessons, and any type
// not listed, have no hint and are classified by the shape of their reference.
func BackendHint(lessonType int) course_archiver.Backend {
	switch lessonType {
	case LessonTypeVimeo:
		return course_archiver.BackendVimeo
	case LessonTypeYouTube:
		return course_archiver.BackendYouTube
	default:
		return ""
	}
}

// lessonItems turns a lesson's details into its ContentItems, in this order:
//
//   - the primary video: exactly the lesson's videoId, if it has one, hinted by the lesson type;
//   - the description, if not blank;
//   - every complementary file, always as an attachment, even when the file is itself a video.
//
// A lesson with none of these gets one placeholder item with no reference, which no backend matches, so the lesson
// is still accounted for.
func lessonItems(endpoints Endpoints, apiKey string, l *course_archiver.Lesson, d *lessonDetail) []course_archiver.ContentItem {
	var items []course_archiver.ContentItem

	if videoID := strings.TrimSpace(string(d.VideoID)); videoID != "" {
		items = append(items, course_archiver.ContentItem{
			ID:        itemIDVideo,
			Kind:      course_archiver.ContentKindVideo,
			Title:     l.Title,
			Reference: videoID,
			Hint:      BackendHint(l.Type),
		})
	}

	if strings.TrimSpace(d.Description) != "" {
		items = append(items, course_archiver.ContentItem{
			ID:    itemIDDescription,
			Kind:  course_archiver.ContentKindDescription,
			Title: DescriptionTitle,
			Hint:  course_archiver.BackendInline,
			Ext:   "txt",
			Body:  d.Description,
		})
	}

	for i, c := range d.Complementaries {
		id := string(c.ID)
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		fileName := strings.TrimSpace(c.Title)
		if fileName == "" {
			fileName = fmt.Sprintf("attachment %d", i+1)
		}
		ext := util.Ext(fileName)
		title := fileName
		if ext != "" {
			title = fileName[:len(fileName)-len(ext)-1]
		} else {
			ext = util.ExtFromURLString(c.File.URL)
		}
		item := course_archiver.ContentItem{
			ID:    attachmentPrefix + id,
			Kind:  course_archiver.ContentKindAttachment,
			Title: title,
			Hint:  course_archiver.BackendDirect,
			Ext:   ext,
		}
		if c.File.URL == "" {
			item.Err = &course_archiver.TreeError{
				Kind: course_archiver.PartialTree,
				Unit: fmt.Sprintf("%s / %s", l.Title, fileName),
				Err:  fmt.Errorf("attachment has no file URL"),
			}
		} else {
			item.Reference = endpoints.attachmentDownload(fileName, c.File.URL, apiKey)
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		items = append(items, course_archiver.ContentItem{
			ID:    itemIDPlaceholder,
			Kind:  course_archiver.ContentKindVideo,
			Title: l.Title,
			Hint:  course_archiver.BackendUnknown,
		})
	}
	return items
}

// Int is the value as an integer, or 0 if it is not one.
func (f flexString) Int() int {
	n, err := strconv.Atoi(string(f))
	if err != nil {
		return 0
	}
	return n
}
