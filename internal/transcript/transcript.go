// Package transcript records the diagnostic trail of every request: the
// snapshot and prompt that went out and the answer (or failure) that came
// back. Entries go to a size-rotated text log and, optionally, to SQLite for
// later querying.
package transcript

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"intentbridge/internal/config"
	"intentbridge/internal/logging"
	"intentbridge/internal/protocol"
)

// Kind is the type of a transcript entry.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindPrompt   Kind = "prompt"
	KindResponse Kind = "response"
	KindFailed   Kind = "failed"
	KindParsed   Kind = "parsed"
)

// Entry is one transcript record.
type Entry struct {
	Time      time.Time
	Session   string
	Kind      Kind
	RequestID string
	Subject   protocol.Subject
	Body      string
}

// Sink persists entries.
type Sink interface {
	Write(Entry) error
	Close() error
}

// Recorder stamps entries with a session id and fans them out to its sinks.
// A nil *Recorder discards everything.
type Recorder struct {
	session string

	mu     sync.Mutex
	sinks  []Sink
	failed int
}

// NewRecorder creates a Recorder with a fresh session id.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{session: uuid.NewString(), sinks: sinks}
}

// Open builds the sinks described by cfg. Relative paths resolve against
// baseDir. An empty Path and SQLitePath yields a Recorder with no sinks.
func Open(cfg config.TranscriptConfig, baseDir string) (*Recorder, error) {
	var sinks []Sink
	if cfg.Path != "" {
		f, err := OpenFile(resolve(baseDir, cfg.Path), cfg.MaxBytes, cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, f)
	}
	if cfg.SQLitePath != "" {
		db, err := OpenSQLite(resolve(baseDir, cfg.SQLitePath))
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, db)
	}
	r := NewRecorder(sinks...)
	logging.Get(logging.CategoryTranscript).Info("transcript session %s with %d sink(s)", r.session, len(sinks))
	return r, nil
}

// Session returns the id stamped on every entry.
func (r *Recorder) Session() string {
	if r == nil {
		return ""
	}
	return r.session
}

// Record writes one entry to every sink. Sink errors are logged, not
// returned: the transcript never affects request handling.
func (r *Recorder) Record(kind Kind, requestID string, subject protocol.Subject, body string) {
	if r == nil {
		return
	}
	e := Entry{
		Time:      time.Now(),
		Session:   r.session,
		Kind:      kind,
		RequestID: requestID,
		Subject:   subject,
		Body:      body,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sinks {
		if err := s.Write(e); err != nil {
			r.failed++
			logging.Get(logging.CategoryTranscript).Warn("write %s entry for %s: %v", kind, requestID, err)
		}
	}
}

// Request records the snapshot and prompt of req.
func (r *Recorder) Request(req protocol.Request) {
	r.Record(KindSnapshot, req.ID, req.Subject, req.Snapshot)
	r.Record(KindPrompt, req.ID, req.Subject, req.Prompt)
}

// Response records resp as a response or a failure.
func (r *Recorder) Response(resp protocol.Response) {
	if resp.OK {
		r.Record(KindResponse, resp.ID, resp.Subject, resp.Text)
		return
	}
	r.Record(KindFailed, resp.ID, resp.Subject, resp.Error)
}

// Store returns the SQLite sink, or nil when none is configured.
func (r *Recorder) Store() *SQLiteSink {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sinks {
		if db, ok := s.(*SQLiteSink); ok {
			return db
		}
	}
	return nil
}

// WriteErrors returns how many sink writes have failed.
func (r *Recorder) WriteErrors() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Close closes every sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.sinks = nil
	return errors.Join(errs...)
}

// header renders the first line of a text entry.
func header(e Entry) string {
	name := e.Subject.Name
	if name == "" {
		name = "-"
	}
	return fmt.Sprintf("%s %s %s (%s)", e.Time.Format(time.RFC3339), e.Kind, name, e.RequestID)
}
