package manager

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a file change triggers a reload.
const DefaultDebounce = 10 * time.Second

// Watcher observes the config file's parent directory and invokes the reload
// callback after a debounce period with no further modifications. Bursts of
// writes collapse into a single trailing-edge reload.
//
// fsnotify delivers events on its own goroutine; the watcher serializes them
// through one select loop, so the callback never runs concurrently with the
// debounce bookkeeping.
type Watcher struct {
	path     string // resolved absolute config path
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string, debounce time.Duration, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the parent directory: editors replace files rather than writing
	// in place, which would drop a watch on the file itself.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	logger.Info("config watcher initialized", "path", abs, "debounce", debounce)
	return w, nil
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	go w.loop()
	w.logger.Info("config watcher started", "path", w.path)
}

// Stop terminates the watch loop; a pending debounce is discarded.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.done
	w.logger.Info("config watcher stopped")
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev) {
				continue
			}
			if pending {
				w.logger.Debug("config file changed again, resetting debounce",
					"debounce", w.debounce)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			} else {
				w.logger.Debug("config file change detected",
					"path", w.path, "debounce", w.debounce)
			}
			pending = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "err", err)

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			w.logger.Info("debounce period complete, triggering config reload")
			w.onChange()
		}
	}
}

// matches reports whether the event concerns the watched config file.
func (w *Watcher) matches(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	return abs == w.path
}
