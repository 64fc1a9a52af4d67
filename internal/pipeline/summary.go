package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/internal/scheduler"
)

// A Failure is one item that did not end up downloaded.
type Failure struct {
	Key    course_archiver.ItemKey
	Title  string
	Reason course_archiver.Reason
	Detail string
}

// Summary accounts for every item of one run over a course.
type Summary struct {
	CourseID    string
	CourseTitle string
	RunID       string
	Items       int
	Downloaded  int
	Skipped     int
	// Failed counts failures by reason, warnings included.
	Failed   map[course_archiver.Reason]int
	Warnings int
	// Failures lists failed items in tree order.
	Failures []Failure
	// Partial is set when some of the course tree could not be extracted.
	Partial  bool
	Canceled bool

	order map[course_archiver.ItemKey]int
}

func NewSummary(course *course_archiver.Course, runID string, tasks []*scheduler.Task) *Summary {
	s := &Summary{
		CourseID:    course.ID,
		CourseTitle: course.Title,
		RunID:       runID,
		Items:       len(tasks),
		Failed:      make(map[course_archiver.Reason]int),
		order:       make(map[course_archiver.ItemKey]int, len(tasks)),
	}
	for i, t := range tasks {
		s.order[t.Key] = i
	}
	return s
}

// Add counts one result.
func (s *Summary) Add(r scheduler.Result) {
	switch {
	case r.Err == nil && r.Skipped:
		s.Skipped++
		return
	case r.Err == nil:
		s.Downloaded++
		return
	case errors.Is(r.Err, context.Canceled):
		s.Canceled = true
		return
	}
	reason := r.Reason()
	s.Failed[reason]++
	if reason.IsWarning() {
		s.Warnings++
	}
	f := Failure{Key: r.Task.Key, Title: r.Task.Item.Title, Reason: reason, Detail: r.Err.Error()}
	if r.Entry != nil && r.Entry.Detail != "" {
		f.Detail = r.Entry.Detail
	}
	i := sort.Search(len(s.Failures), func(i int) bool {
		return s.order[s.Failures[i].Key] > s.order[f.Key]
	})
	s.Failures = append(s.Failures, Failure{})
	copy(s.Failures[i+1:], s.Failures[i:])
	s.Failures[i] = f
}

// FailedCount is the number of failed items, warnings included.
func (s *Summary) FailedCount() int {
	n := 0
	for _, c := range s.Failed {
		n += c
	}
	return n
}

// ExitCode is 1 if any item failed for a reason other than a warning, or the run did not finish, and 0 otherwise.
func (s *Summary) ExitCode() int {
	if s.Canceled || s.FailedCount() > s.Warnings {
		return 1
	}
	return 0
}

// Print writes a human-readable report of the run.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "%s (%s)\n", s.CourseTitle, s.CourseID)
	fmt.Fprintf(w, "  items: %d, downloaded: %d, already done: %d, failed: %d\n", s.Items, s.Downloaded, s.Skipped, s.FailedCount())
	if len(s.Failed) > 0 {
		reasons := make([]string, 0, len(s.Failed))
		for reason, n := range s.Failed {
			reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
		}
		sort.Strings(reasons)
		fmt.Fprintf(w, "  failures by reason: %s\n", strings.Join(reasons, ", "))
	}
	for _, f := range s.Failures {
		label := "FAILED"
		if f.Reason.IsWarning() {
			label = "SKIPPED"
		}
		fmt.Fprintf(w, "  %s %q [%s]: %s: %s\n", label, f.Title, f.Key.Display(), f.Reason, f.Detail)
	}
	if s.Partial {
		fmt.Fprintln(w, "  warning: parts of the course could not be read, see the log")
	}
	if s.Canceled {
		fmt.Fprintln(w, "  run was interrupted, run again to continue")
	}
}
