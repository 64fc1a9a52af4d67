package manifest

import (
	"fmt"
	"os"
	"time"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/util"
)

type Status string

const (
	StatusUndefined  Status = ""
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// IsRunning returns true if some worker should currently be updating the entry.
func (s Status) IsRunning() bool {
	return s == StatusInProgress
}

// NonRunning returns the status an entry reverts to if the worker updating it went away.
func (s Status) NonRunning() Status {
	if s.IsRunning() {
		return StatusPending
	}
	return s
}

// IsTerminal returns true if a run has finished with the entry.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// An Entry is the persisted download status of one ContentItem.
type Entry struct {
	Key      course_archiver.ItemKey `json:"key"`
	Title    string                  `json:"title,omitempty"`
	Backend  course_archiver.Backend `json:"backend,omitempty"`
	Status   Status                  `json:"status"`
	Path     string                  `json:"path,omitempty"`
	Reason   course_archiver.Reason  `json:"reason,omitempty"`
	Detail   string                  `json:"detail,omitempty"`
	Size     int64                   `json:"size,omitempty"`
	Checksum string                  `json:"checksum,omitempty"`
	Attempts int                     `json:"attempts,omitempty"`
	RunID    string                  `json:"run_id,omitempty"`
	// UpdatedAt is the time of the last attempt to change the entry.
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *Entry) String() string {
	if e.Reason != course_archiver.ReasonNone {
		return fmt.Sprintf("%s: %s(%s)", e.Key.Display(), e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Key.Display(), e.Status)
}

// Intact reports whether a done entry's file is present, non-empty and matches the recorded size and checksum.
func Intact(e *Entry) bool {
	if e == nil || e.Status != StatusDone || e.Path == "" {
		return false
	}
	st, err := os.Stat(e.Path)
	if err != nil || !st.Mode().IsRegular() || st.Size() == 0 {
		return false
	}
	if e.Size > 0 && st.Size() != e.Size {
		return false
	}
	if e.Checksum != "" {
		ok, err := util.VerifyChecksum(e.Path, e.Checksum)
		return err == nil && ok
	}
	return true
}
