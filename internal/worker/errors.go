package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Error taxonomy. Every error returned by the Manager wraps exactly one of
// these, so callers classify with errors.Is or KindOf.
var (
	ErrConfiguration = errors.New("worker configuration error")
	ErrSpawn         = errors.New("worker spawn failed")
	ErrIO            = errors.New("worker io error")
	ErrTimeout       = errors.New("worker timed out")
	ErrProcessExited = errors.New("worker process exited")
	ErrProtocol      = errors.New("worker protocol error")
	ErrNotRunning    = errors.New("worker not running")
	ErrCanceled      = errors.New("worker request canceled")
)

// Kind names an error class for logs and metrics labels.
type Kind string

const (
	KindNone          Kind = ""
	KindConfiguration Kind = "configuration"
	KindSpawn         Kind = "spawn"
	KindIO            Kind = "io"
	KindTimeout       Kind = "timeout"
	KindProcessExited Kind = "process_exited"
	KindProtocol      Kind = "protocol"
	KindNotRunning    Kind = "not_running"
	KindCanceled      Kind = "canceled"
	KindOther         Kind = "other"
)

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrSpawn):
		return KindSpawn
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrProcessExited):
		return KindProcessExited
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrNotRunning):
		return KindNotRunning
	case errors.Is(err, ErrCanceled):
		return KindCanceled
	default:
		return KindOther
	}
}

// NeedsTerminate reports whether err leaves a live process that must not be
// trusted with another request: a stuck or corrupted stream.
func NeedsTerminate(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindIO, KindCanceled:
		return true
	default:
		return false
	}
}

// logTailBytes bounds how much of the runner log is attached to IO errors.
const logTailBytes = 4096

// readTail returns up to n bytes from the end of path, or "" when the file
// is missing or unreadable.
func readTail(path string, n int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ioError wraps err as ErrIO and appends the runner log tail when present.
func ioError(err error, logFile string) error {
	if tail := readTail(logFile, logTailBytes); tail != "" {
		return fmt.Errorf("%w: %v\n--- runner log tail (%s) ---\n%s", ErrIO, err, logFile, tail)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}
