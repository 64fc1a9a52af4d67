// Package manifest persists per-item download status across runs, so repeated runs resume rather than re-download.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/r3labs/diff/v3"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/alanbriolat/course-archiver"
)

var Buckets = struct {
	Metadata []byte
	Entries  []byte
}{
	Metadata: []byte("__metadata__"),
	Entries:  []byte("entries"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

// Store is the manifest. Every update is its own bbolt transaction: bbolt allows a single writer at a time and
// commits copy-on-write, so a crash loses at most the update in flight and never an earlier one.
type Store struct {
	db  *bbolt.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func Open(path string) (_ *Store, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) (err error) {
		var metadata *bbolt.Bucket
		if metadata, err = tx.CreateBucketIfNotExists(Buckets.Metadata); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.Entries); err != nil {
			return err
		}

		var version int
		if versionBytes := metadata.Get(MetadataKeys.Version); versionBytes == nil {
			version = 0
		} else if err = json.Unmarshal(versionBytes, &version); err != nil {
			return err
		}
		if version > currentVersion {
			return fmt.Errorf("manifest version %d is newer than supported version %d", version, currentVersion)
		}

		if versionBytes, err := json.Marshal(currentVersion); err != nil {
			return err
		} else if err = metadata.Put(MetadataKeys.Version, versionBytes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: zap.S().Named("manifest"), now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func courseBucket(tx *bbolt.Tx, courseID string, create bool) (*bbolt.Bucket, error) {
	entries := tx.Bucket(Buckets.Entries)
	if create {
		return entries.CreateBucketIfNotExists([]byte(courseID))
	}
	return entries.Bucket([]byte(courseID)), nil
}

// Get returns (nil, nil) if there is no entry for the key.
func (s *Store) Get(key course_archiver.ItemKey) (entry *Entry, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket, _ := courseBucket(tx, key.CourseID, false)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Update atomically reads, modifies and writes back the entry for key, creating it if necessary. UpdatedAt is set
// automatically. If f returns an error nothing is written.
func (s *Store) Update(key course_archiver.ItemKey, f func(e *Entry) error) (*Entry, error) {
	var updated Entry
	var changes diff.Changelog
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := courseBucket(tx, key.CourseID, true)
		if err != nil {
			return err
		}
		var old Entry
		if data := bucket.Get([]byte(key.String())); data != nil {
			if err := json.Unmarshal(data, &old); err != nil {
				return err
			}
		}
		updated = old
		updated.Key = key
		if err := f(&updated); err != nil {
			return err
		}
		updated.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(&updated)
		if err != nil {
			return err
		}
		changes, _ = diff.Diff(old, updated)
		return bucket.Put([]byte(key.String()), data)
	})
	if err != nil {
		return nil, fmt.Errorf("update manifest entry %s: %w", key.Display(), err)
	}
	for _, change := range changes {
		if len(change.Path) > 0 && change.Path[0] == "UpdatedAt" {
			continue
		}
		s.log.Debugf("%s: %v: %#v -> %#v", key.Display(), change.Path, change.From, change.To)
	}
	return &updated, nil
}

// Put overwrites the entry for e.Key.
func (s *Store) Put(e *Entry) error {
	_, err := s.Update(e.Key, func(stored *Entry) error {
		*stored = *e
		return nil
	})
	return err
}

// List returns every entry for the course, or for all courses if courseID is empty, in key order.
func (s *Store) List(courseID string) (entries []Entry, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		return forEachCourse(tx, courseID, func(_ []byte, bucket *bbolt.Bucket) error {
			return bucket.ForEach(func(k, v []byte) error {
				var e Entry
				if err := json.Unmarshal(v, &e); err != nil {
					return fmt.Errorf("corrupt manifest entry %q: %w", k, err)
				}
				entries = append(entries, e)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func forEachCourse(tx *bbolt.Tx, courseID string, f func(name []byte, bucket *bbolt.Bucket) error) error {
	entries := tx.Bucket(Buckets.Entries)
	if courseID != "" {
		bucket := entries.Bucket([]byte(courseID))
		if bucket == nil {
			return nil
		}
		return f([]byte(courseID), bucket)
	}
	return entries.ForEach(func(k, v []byte) error {
		// Nested buckets have a nil value
		if v != nil {
			return nil
		}
		return f(k, entries.Bucket(k))
	})
}

// Reconcile heals entries left behind by an interrupted run: in-progress entries become pending, and done entries
// whose file is missing, empty or wrong become pending. It returns the entries it changed.
func (s *Store) Reconcile() (changed []Entry, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return forEachCourse(tx, "", func(_ []byte, bucket *bbolt.Bucket) error {
			var updates [][2][]byte
			err := bucket.ForEach(func(k, v []byte) error {
				var e Entry
				if err := json.Unmarshal(v, &e); err != nil {
					return fmt.Errorf("corrupt manifest entry %q: %w", k, err)
				}
				switch {
				case e.Status.IsRunning():
					e.Status = e.Status.NonRunning()
					e.Detail = "interrupted"
				case e.Status == StatusDone && !Intact(&e):
					e.Status = StatusPending
					e.Detail = "file missing or incomplete"
				default:
					return nil
				}
				e.UpdatedAt = s.now().UTC()
				data, err := json.Marshal(&e)
				if err != nil {
					return err
				}
				updates = append(updates, [2][]byte{append([]byte(nil), k...), data})
				changed = append(changed, e)
				return nil
			})
			if err != nil {
				return err
			}
			// Modifying a bucket during ForEach is not allowed
			for _, u := range updates {
				if err := bucket.Put(u[0], u[1]); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, e := range changed {
		s.log.Infof("reset %s to %s: %s", e.Key.Display(), e.Status, e.Detail)
	}
	return changed, nil
}

// Document is the JSON export of the manifest.
type Document struct {
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
}

// Export writes the manifest for courseID (or all courses) as an indented JSON Document.
func (s *Store) Export(w io.Writer, courseID string) error {
	entries, err := s.List(courseID)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Document{GeneratedAt: s.now().UTC(), Entries: entries})
}
