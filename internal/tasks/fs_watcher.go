package tasks

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileSystemEvent represents a tilt-series stack that appeared or changed
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "deleted"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// FileSystemWatcher monitors directories for new tilt-series stacks. A stack is
// reported once it has stopped changing for the settle delay, so files that are
// still being written are not picked up early.
type FileSystemWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	watchDirs []string
	settle    time.Duration
	logger    *slog.Logger
	done      chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewFileSystemWatcher creates a new filesystem watcher
func NewFileSystemWatcher(watchPaths []string, settle time.Duration, logger *slog.Logger) (*FileSystemWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw := &FileSystemWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		watchDirs: watchPaths,
		settle:    settle,
		logger:    logger,
		done:      make(chan struct{}),
		pending:   make(map[string]*time.Timer),
	}

	return fsw, nil
}

// Start begins monitoring the configured directories
func (fsw *FileSystemWatcher) Start() error {
	for _, dir := range fsw.watchDirs {
		if err := fsw.watcher.Add(dir); err != nil {
			return err
		}
		fsw.logger.Info("watching directory", "dir", dir)
	}

	go fsw.processEvents()
	return nil
}

// Stop stops the filesystem watcher and closes Events.
func (fsw *FileSystemWatcher) Stop() error {
	fsw.mu.Lock()
	if fsw.stopped {
		fsw.mu.Unlock()
		return nil
	}
	fsw.stopped = true
	for path, t := range fsw.pending {
		t.Stop()
		delete(fsw.pending, path)
	}
	close(fsw.done)
	close(fsw.Events)
	fsw.mu.Unlock()
	return fsw.watcher.Close()
}

func (fsw *FileSystemWatcher) processEvents() {
	for {
		select {
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return
			}
			if !IsTiltSeriesFile(event.Name) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				fsw.schedule(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				fsw.cancel(event.Name)
				fsw.emit(FileSystemEvent{Path: event.Name, Operation: "deleted", Time: time.Now()})
			}

		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return
			}
			fsw.logger.Error("filesystem watcher error", "error", err)

		case <-fsw.done:
			return
		}
	}
}

// schedule (re)starts the settle timer for path.
func (fsw *FileSystemWatcher) schedule(path string) {
	fsw.mu.Lock()
	defer fsw.mu.Unlock()
	if fsw.stopped {
		return
	}
	if t, ok := fsw.pending[path]; ok {
		t.Reset(fsw.settle)
		return
	}
	fsw.pending[path] = time.AfterFunc(fsw.settle, func() { fsw.settled(path) })
}

func (fsw *FileSystemWatcher) cancel(path string) {
	fsw.mu.Lock()
	defer fsw.mu.Unlock()
	if t, ok := fsw.pending[path]; ok {
		t.Stop()
		delete(fsw.pending, path)
	}
}

func (fsw *FileSystemWatcher) settled(path string) {
	fsw.mu.Lock()
	delete(fsw.pending, path)
	fsw.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	fsw.emit(FileSystemEvent{Path: path, Operation: "created", Time: time.Now(), Size: info.Size()})
}

func (fsw *FileSystemWatcher) emit(ev FileSystemEvent) {
	fsw.mu.Lock()
	defer fsw.mu.Unlock()
	if fsw.stopped {
		return
	}
	select {
	case fsw.Events <- ev:
	default:
		fsw.logger.Warn("event buffer full, dropping event", "path", ev.Path)
	}
}

// IsTiltSeriesFile reports whether path looks like an IMOD tilt-series stack.
func IsTiltSeriesFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mrc", ".st":
		return true
	default:
		return false
	}
}
