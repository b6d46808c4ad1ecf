package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"intentbridge/internal/logging"
)

// Provider hands out the current settings. The bridge calls Current once per
// dispatch, so an implementation may change its answer at any time.
type Provider interface {
	Current() Settings
}

// Static is a Provider holding settings in memory. Set replaces them.
type Static struct {
	mu       sync.RWMutex
	settings Settings
}

// NewStatic creates a Static provider.
func NewStatic(s Settings) *Static {
	return &Static{settings: s}
}

// Current returns the held settings.
func (s *Static) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Set replaces the held settings.
func (s *Static) Set(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// Update applies fn to a copy of the held settings and stores the result.
func (s *Static) Update(fn func(*Settings)) {
	s.mu.Lock()
	next := s.settings
	fn(&next)
	s.settings = next
	s.mu.Unlock()
}

// FileProviderStats tracks reload activity.
type FileProviderStats struct {
	Reloads       int
	ReloadErrors  int
	LastReload    time.Time
	LastReloadErr string
}

// FileProvider serves settings loaded from a file and reloads them when the
// file changes. A reload that fails to parse keeps the previous settings.
type FileProvider struct {
	path string

	mu       sync.RWMutex
	settings Settings
	stats    FileProviderStats
	onChange func(Settings)

	watcher     *fsnotify.Watcher
	pending     time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewFileProvider loads path once. Call Start to follow later edits.
func NewFileProvider(path string) (*FileProvider, error) {
	settings, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &FileProvider{
		path:        path,
		settings:    settings,
		debounceDur: 250 * time.Millisecond,
	}, nil
}

// Path returns the watched file.
func (fp *FileProvider) Path() string {
	return fp.path
}

// Current returns the most recently loaded settings.
func (fp *FileProvider) Current() Settings {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return fp.settings
}

// OnChange registers a callback run after every successful reload.
func (fp *FileProvider) OnChange(fn func(Settings)) {
	fp.mu.Lock()
	fp.onChange = fn
	fp.mu.Unlock()
}

// GetStats returns reload statistics.
func (fp *FileProvider) GetStats() FileProviderStats {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return fp.stats
}

// Reload re-reads the file now.
func (fp *FileProvider) Reload() error {
	settings, err := Load(fp.path)

	fp.mu.Lock()
	if err != nil {
		fp.stats.ReloadErrors++
		fp.stats.LastReloadErr = err.Error()
		fp.mu.Unlock()
		logging.ConfigWarn("reload of %s failed, keeping previous settings: %v", fp.path, err)
		return err
	}
	fp.settings = settings
	fp.stats.Reloads++
	fp.stats.LastReload = time.Now()
	fp.stats.LastReloadErr = ""
	onChange := fp.onChange
	fp.mu.Unlock()

	logging.ConfigInfo("reloaded %s", fp.path)
	if onChange != nil {
		onChange(settings)
	}
	return nil
}

// Start begins watching the config file's directory. Editors often replace
// files by rename, so the directory is watched and events are filtered by
// name. This method is non-blocking.
func (fp *FileProvider) Start(ctx context.Context) error {
	fp.mu.Lock()
	if fp.running {
		fp.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fp.mu.Unlock()
		return err
	}
	dir := filepath.Dir(fp.path)
	if err := watcher.Add(dir); err != nil {
		fp.mu.Unlock()
		_ = watcher.Close()
		return err
	}

	fp.watcher = watcher
	fp.stopCh = make(chan struct{})
	fp.doneCh = make(chan struct{})
	fp.running = true
	fp.mu.Unlock()

	logging.ConfigInfo("watching %s", fp.path)
	go fp.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (fp *FileProvider) Stop() {
	fp.mu.Lock()
	if !fp.running {
		fp.mu.Unlock()
		return
	}
	fp.running = false
	fp.mu.Unlock()

	close(fp.stopCh)
	<-fp.doneCh

	if err := fp.watcher.Close(); err != nil {
		logging.ConfigWarn("error closing watcher: %v", err)
	}
}

// run is the main event loop for the watcher.
func (fp *FileProvider) run(ctx context.Context) {
	defer close(fp.doneCh)

	debounceTicker := time.NewTicker(50 * time.Millisecond)
	defer debounceTicker.Stop()

	target := filepath.Clean(fp.path)
	for {
		select {
		case <-ctx.Done():
			return

		case <-fp.stopCh:
			return

		case event, ok := <-fp.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				fp.pending = time.Now()
			}

		case err, ok := <-fp.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigWarn("watcher error: %v", err)

		case <-debounceTicker.C:
			if !fp.pending.IsZero() && time.Since(fp.pending) >= fp.debounceDur {
				fp.pending = time.Time{}
				_ = fp.Reload()
			}
		}
	}
}
