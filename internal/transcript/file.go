package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink appends entries to a text file and rotates it by size. When the
// next entry would push the file past maxBytes, path.N-1 moves to path.N,
// down to path moving to path.1, and a fresh file is started. Backups beyond
// maxBackups are removed. A maxBytes of 0 disables rotation.
type FileSink struct {
	path       string
	maxBytes   int64
	maxBackups int

	f    *os.File
	size int64
}

// OpenFile opens (or creates) the transcript file at path.
func OpenFile(path string, maxBytes int64, maxBackups int) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	s := &FileSink{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat transcript: %w", err)
	}
	s.f = f
	s.size = info.Size()
	return nil
}

// Path returns the active file.
func (s *FileSink) Path() string {
	return s.path
}

// Write appends e as a header line, the body, and a blank line.
func (s *FileSink) Write(e Entry) error {
	if s.f == nil {
		return os.ErrClosed
	}
	var b strings.Builder
	b.WriteString(header(e))
	b.WriteByte('\n')
	b.WriteString(e.Body)
	b.WriteString("\n\n")
	text := b.String()

	if s.maxBytes > 0 && s.size > 0 && s.size+int64(len(text)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.f.WriteString(text)
	s.size += int64(n)
	return err
}

func (s *FileSink) rotate() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	s.f = nil

	if s.maxBackups <= 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return s.open()
	}

	_ = os.Remove(backupName(s.path, s.maxBackups))
	for i := s.maxBackups - 1; i >= 1; i-- {
		if err := os.Rename(backupName(s.path, i), backupName(s.path, i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(s.path, backupName(s.path, 1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.open()
}

// Close closes the file.
func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func resolve(baseDir, path string) string {
	if baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
