package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/download"
)

const (
	nodeModule = "MODULE"
	nodeLesson = "LESSON"
)

// An Extractor builds course trees from the platform. Lesson details are fetched concurrently, at most Concurrency
// at a time.
type Extractor struct {
	Concurrency int
	log         *zap.SugaredLogger
}

func NewExtractor(concurrency int) *Extractor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Extractor{
		Concurrency: concurrency,
		log:         zap.S().Named("extractor"),
	}
}

type structureNode struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type courseNode struct {
	ID        flexString      `json:"id"`
	Title     string          `json:"title"`
	Slug      string          `json:"slug"`
	Structure []structureNode `json:"structure"`
}

type moduleNode struct {
	ID        flexString      `json:"id"`
	UUID      string          `json:"uuid"`
	Title     string          `json:"title"`
	Order     *int            `json:"order"`
	Position  *int            `json:"position"`
	Structure []structureNode `json:"structure"`
}

type lessonNode struct {
	ID       flexString `json:"id"`
	UUID     string     `json:"uuid"`
	Title    string     `json:"title"`
	Type     flexString `json:"type"`
	Status   string     `json:"status"`
	Order    *int       `json:"order"`
	Position *int       `json:"position"`
}

// nodeKey prefers the UUID, which is what the lesson API is addressed by.
func nodeKey(uuid string, id flexString) string {
	if uuid != "" {
		return uuid
	}
	return string(id)
}

// orderOf is the explicit order field if the platform gave one, otherwise the 1-based array position.
func orderOf(order *int, position *int, index int) int {
	switch {
	case order != nil:
		return *order
	case position != nil:
		return *position
	default:
		return index
	}
}

// LoadTree extracts the full tree of a course, given its ID (as from ListCourses) or URL. Modules and lessons keep
// the platform's order.
//
// A module or lesson that cannot be parsed or fetched does not stop the rest: the tree is returned along with a
// PartialTree error listing every failed unit, and lessons whose details could not be fetched carry one ContentItem
// with Err set, so they still get a manifest entry.
func (e *Extractor) LoadTree(ctx context.Context, s *Session, courseID string) (*course_archiver.Course, error) {
	ref, err := e.courseRef(ctx, s, courseID)
	if err != nil {
		return nil, err
	}
	log := e.log.With("course", ref.ID)

	doc, err := s.getDocument(ctx, ref.URL)
	if err != nil {
		if kind, ok := treeErrorKind(err); ok {
			return nil, &course_archiver.TreeError{Kind: kind, Err: err}
		}
		return nil, fmt.Errorf("failed to load course page: %w", err)
	}
	raw, ok := findCourseNode(flightValues(doc))
	if !ok {
		return nil, &course_archiver.TreeError{Kind: course_archiver.CourseNotFound, Err: errors.New("no course data in page")}
	}
	var node courseNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, &course_archiver.TreeError{Kind: course_archiver.CourseNotFound, Err: fmt.Errorf("malformed course data: %w", err)}
	}

	course := &course_archiver.Course{ID: ref.ID, Title: node.Title, URL: ref.URL}
	if course.Title == "" {
		course.Title = ref.Title
	}
	var result error
	for i, item := range node.Structure {
		if item.Type != nodeModule {
			continue
		}
		var m moduleNode
		if err := json.Unmarshal(item.Data, &m); err != nil {
			result = multierror.Append(result, &course_archiver.TreeError{
				Kind: course_archiver.PartialTree,
				Unit: fmt.Sprintf("module #%d", i+1),
				Err:  err,
			})
			continue
		}
		module := course_archiver.Module{
			ID:    nodeKey(m.UUID, m.ID),
			Title: m.Title,
			Order: orderOf(m.Order, m.Position, len(course.Modules)+1),
		}
		for j, lessonItem := range m.Structure {
			if lessonItem.Type != nodeLesson {
				continue
			}
			var l lessonNode
			if err := json.Unmarshal(lessonItem.Data, &l); err != nil {
				result = multierror.Append(result, &course_archiver.TreeError{
					Kind: course_archiver.PartialTree,
					Unit: fmt.Sprintf("%s / lesson #%d", m.Title, j+1),
					Err:  err,
				})
				continue
			}
			lesson := course_archiver.Lesson{
				ID:    nodeKey(l.UUID, l.ID),
				Title: l.Title,
				Order: orderOf(l.Order, l.Position, len(module.Lessons)+1),
				Type:  l.Type.Int(),
			}
			if l.Status != "" && l.Status != "ACTIVE" {
				log.Debugw("lesson is not active", "lesson", lesson.Title, "status", l.Status)
			}
			module.Lessons = append(module.Lessons, lesson)
		}
		course.Modules = append(course.Modules, module)
	}

	if err := e.fetchLessons(ctx, s, course, &result); err != nil {
		return nil, err
	}
	log.Infow("loaded course tree", "modules", len(course.Modules), "items", course.CountItems())
	if result != nil {
		return course, &course_archiver.TreeError{Kind: course_archiver.PartialTree, Err: result}
	}
	return course, nil
}

// fetchLessons fills in every lesson's items from the lesson API. Failures are isolated to their lesson and added to
// result in tree order; only cancellation is returned.
func (e *Extractor) fetchLessons(ctx context.Context, s *Session, course *course_archiver.Course, result *error) error {
	type job struct {
		module *course_archiver.Module
		lesson *course_archiver.Lesson
		err    error
	}
	var jobs []*job
	for mi := range course.Modules {
		m := &course.Modules[mi]
		for li := range m.Lessons {
			jobs = append(jobs, &job{module: m, lesson: &m.Lessons[li]})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			var detail lessonDetail
			if err := s.getJSON(gctx, s.manager.opts.Endpoints.lessonWatch(j.lesson.ID), &detail); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				kind, ok := treeErrorKind(err)
				if !ok {
					kind = course_archiver.PartialTree
				}
				j.err = &course_archiver.TreeError{Kind: kind, Unit: fmt.Sprintf("%s / %s", j.module.Title, j.lesson.Title), Err: err}
				j.lesson.Items = []course_archiver.ContentItem{{
					ID:    itemIDLesson,
					Kind:  course_archiver.ContentKindVideo,
					Title: j.lesson.Title,
					Err:   j.err,
				}}
				return nil
			}
			j.lesson.Items = lessonItems(s.manager.opts.Endpoints, s.APIKey(), j.lesson, &detail)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, j := range jobs {
		if j.err != nil {
			*result = multierror.Append(*result, j.err)
		}
	}
	return nil
}

func (e *Extractor) courseRef(ctx context.Context, s *Session, courseID string) (*course_archiver.Course, error) {
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return nil, &course_archiver.TreeError{Kind: course_archiver.CourseNotFound, Err: errors.New("no course selected")}
	}
	if strings.HasPrefix(courseID, "http://") || strings.HasPrefix(courseID, "https://") {
		return &course_archiver.Course{ID: slugFromURL(courseID), URL: courseID}, nil
	}
	courses, err := e.ListCourses(ctx, s)
	if err != nil {
		return nil, err
	}
	return FindCourse(courses, courseID)
}

// treeErrorKind maps a platform response status onto the extraction failure it means.
func treeErrorKind(err error) (course_archiver.TreeErrorKind, bool) {
	var statusErr *download.StatusError
	if !errors.As(err, &statusErr) {
		return "", false
	}
	switch statusErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
		return course_archiver.AccessDenied, true
	case http.StatusNotFound, http.StatusGone:
		return course_archiver.CourseNotFound, true
	default:
		return "", false
	}
}

// A Loader is an Extractor bound to a Session.
type Loader struct {
	Extractor *Extractor
	Session   *Session
}

func (l Loader) ListCourses(ctx context.Context) ([]course_archiver.Course, error) {
	return l.Extractor.ListCourses(ctx, l.Session)
}

func (l Loader) LoadTree(ctx context.Context, courseID string) (*course_archiver.Course, error) {
	return l.Extractor.LoadTree(ctx, l.Session, courseID)
}
