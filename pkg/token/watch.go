package token

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// FileWatcher re-reads a token file whenever it changes.
type FileWatcher struct {
	path     string
	onToken  func(string)
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu   sync.Mutex
	last string
	done chan struct{}
	wg   sync.WaitGroup
}

// WatchOption configures a FileWatcher.
type WatchOption func(*FileWatcher)

// WithWatchLogger sets the watcher's logger.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(fw *FileWatcher) {
		if logger != nil {
			fw.logger = logger
		}
	}
}

// WithDebounce sets how long writes must settle before the file is read.
func WithDebounce(d time.Duration) WatchOption {
	return func(fw *FileWatcher) {
		if d > 0 {
			fw.debounce = d
		}
	}
}

// WatchFile reads path once and then calls onToken with the trimmed
// contents every time they change. The parent directory is watched so
// that editors replacing the file by rename are picked up.
func WatchFile(path string, onToken func(string), opts ...WatchOption) (*FileWatcher, error) {
	if onToken == nil {
		return nil, errors.New("token: WatchFile requires a callback")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &FileWatcher{
		path:     abs,
		onToken:  onToken,
		logger:   slog.Default(),
		debounce: defaultDebounce,
		watcher:  w,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}

	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	fw.reload()

	fw.wg.Add(1)
	go fw.loop()
	return fw, nil
}

// Close stops watching. It is safe to call more than once.
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	select {
	case <-fw.done:
		fw.mu.Unlock()
		return nil
	default:
		close(fw.done)
	}
	fw.mu.Unlock()

	err := fw.watcher.Close()
	fw.wg.Wait()
	return err
}

func (fw *FileWatcher) loop() {
	defer fw.wg.Done()

	var pending <-chan time.Time
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(fw.debounce)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("token: watcher error", "error", err)
		case <-pending:
			pending = nil
			fw.reload()
		}
	}
}

func (fw *FileWatcher) reload() {
	data, err := os.ReadFile(fw.path)
	if err != nil {
		fw.logger.Debug("token: read token file", "path", fw.path, "error", err)
		return
	}
	tok := string(bytes.TrimSpace(data))
	if tok == "" {
		return
	}

	fw.mu.Lock()
	if tok == fw.last {
		fw.mu.Unlock()
		return
	}
	fw.last = tok
	fw.mu.Unlock()

	fw.logger.Info("token: token file changed", "path", fw.path)
	fw.onToken(tok)
}
