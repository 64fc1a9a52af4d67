// Package pipeline acquires one course: it loads the tree, classifies and places every item, and hands the
// resulting tasks to the scheduler.
package pipeline

import (
	"context"
	"errors"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/internal/layout"
	"github.com/alanbriolat/course-archiver/internal/manifest"
	"github.com/alanbriolat/course-archiver/internal/scheduler"
)

// A TreeLoader produces the course tree for a course selector, already bound to a session.
type TreeLoader interface {
	LoadTree(ctx context.Context, courseID string) (*course_archiver.Course, error)
}

type Options struct {
	// Registry classifies items; nil means the default registry.
	Registry  *course_archiver.ProviderRegistry
	Organizer *layout.Organizer
	Scheduler scheduler.Options
	// OnStart, if set, is called once the course is loaded and its tasks are known.
	OnStart func(course *course_archiver.Course, tasks []*scheduler.Task)
	// OnResult, if set, sees every result as it arrives.
	OnResult func(scheduler.Result)
}

type Pipeline struct {
	session course_archiver.Session
	loader  TreeLoader
	store   *manifest.Store
	opts    Options
}

func New(session course_archiver.Session, loader TreeLoader, store *manifest.Store, opts Options) *Pipeline {
	if opts.Registry == nil {
		opts.Registry = &course_archiver.DefaultProviderRegistry
	}
	if opts.Organizer == nil {
		opts.Organizer = layout.New(layout.Options{})
	}
	return &Pipeline{session: session, loader: loader, store: store, opts: opts}
}

// Run acquires the course. Failures of single items are recorded in the manifest and the summary, not returned;
// the error is only for a course that could not be loaded at all, or for cancellation, in which case the summary
// covers what finished.
func (p *Pipeline) Run(ctx context.Context, courseID string) (*Summary, error) {
	log := course_archiver.Logger(ctx).Sugar().Named("pipeline")

	course, err := p.loader.LoadTree(ctx, courseID)
	var treeErr *course_archiver.TreeError
	switch {
	case course == nil && err == nil:
		return nil, &course_archiver.TreeError{Kind: course_archiver.CourseNotFound, Err: errors.New("no course returned")}
	case course == nil:
		return nil, err
	case errors.As(err, &treeErr) && treeErr.Kind == course_archiver.PartialTree:
		log.Warnw("course tree is incomplete", "course", course.ID, "error", err)
	case err != nil:
		return nil, err
	}

	tasks, err := p.Tasks(course)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(p.session, p.store, p.opts.Scheduler)
	summary := NewSummary(course, sched.RunID(), tasks)
	summary.Partial = treeErr != nil
	log.Infow("starting downloads", "course", course.Title, "items", len(tasks), "run", sched.RunID())
	if p.opts.OnStart != nil {
		p.opts.OnStart(course, tasks)
	}

	for r := range sched.Run(ctx, tasks) {
		summary.Add(r)
		if p.opts.OnResult != nil {
			p.opts.OnResult(r)
		}
	}
	if err := ctx.Err(); err != nil {
		summary.Canceled = true
		return summary, err
	}
	return summary, nil
}

// Tasks turns every item of the course into a Task, in tree order, and makes sure each has a manifest entry so an
// interrupted run still accounts for everything it discovered.
func (p *Pipeline) Tasks(course *course_archiver.Course) ([]*scheduler.Task, error) {
	var tasks []*scheduler.Task
	err := course.Items(func(m *course_archiver.Module, l *course_archiver.Lesson, item *course_archiver.ContentItem) error {
		t := &scheduler.Task{
			Key:   course_archiver.KeyFor(course, m, l, item),
			Item:  *item,
			Match: p.opts.Registry.Match(*item),
			Path:  p.opts.Organizer.DestinationFor(course, m, l, item),
		}
		_, err := p.store.Update(t.Key, func(e *manifest.Entry) error {
			if e.Status != manifest.StatusUndefined {
				return errUnchanged
			}
			e.Title = item.Title
			e.Backend = t.Backend()
			e.Status = manifest.StatusPending
			e.Path = t.Path
			return nil
		})
		if err != nil && !errors.Is(err, errUnchanged) {
			return err
		}
		tasks = append(tasks, t)
		return nil
	})
	return tasks, err
}

var errUnchanged = errors.New("entry unchanged")
