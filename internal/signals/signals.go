// Package signals lets another process cancel a running workflow by
// creating a file under the data directory.
package signals

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/logging"
)

// CancelFile is the name of the cancellation signal file.
const CancelFile = "cancel"

// Dir returns the signals directory under dataDir.
func Dir(dataDir string) string {
	return filepath.Join(dataDir, "signals")
}

// RequestCancel creates the cancel signal for workflows watching dataDir.
func RequestCancel(dataDir string) error {
	dir := Dir(dataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, CancelFile), []byte("cancel\n"), 0644)
}

// Watcher calls onCancel when the cancel file appears.
type Watcher struct {
	dir      string
	onCancel func()
	logger   *zap.Logger

	mu        sync.Mutex
	cancelled bool

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching the signals directory under dataDir. A stale cancel
// file from an earlier run is removed first. If the platform watcher is
// unavailable, ShouldCancel still detects the file by polling.
func Watch(dataDir string, onCancel func(), logger *zap.Logger) (*Watcher, error) {
	dir := Dir(dataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		onCancel: onCancel,
		logger:   logging.OrNop(logger),
		done:     make(chan struct{}),
	}
	if err := w.Clear(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file watcher unavailable, cancel signal will be polled", zap.Error(err))
		return w, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		w.logger.Warn("cannot watch signals directory", zap.String("dir", dir), zap.Error(err))
		return w, nil
	}
	w.watcher = watcher

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != CancelFile || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Ignore events for a file already removed by Clear.
			if _, err := os.Stat(w.CancelPath()); err == nil {
				w.trigger()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	first := !w.cancelled
	w.cancelled = true
	w.mu.Unlock()

	if first {
		w.logger.Info("cancel signal received", zap.String("path", w.CancelPath()))
		if w.onCancel != nil {
			w.onCancel()
		}
	}
}

// ShouldCancel reports whether the cancel signal was seen. The file is also
// checked directly in case the watcher missed it.
func (w *Watcher) ShouldCancel() bool {
	if _, err := os.Stat(w.CancelPath()); err == nil {
		w.trigger()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// Clear removes the cancel file and resets the signal.
func (w *Watcher) Clear() error {
	w.mu.Lock()
	w.cancelled = false
	w.mu.Unlock()

	if err := os.Remove(w.CancelPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CancelPath returns the path of the cancel file.
func (w *Watcher) CancelPath() string {
	return filepath.Join(w.dir, CancelFile)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}
