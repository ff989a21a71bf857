package webtoon

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period a Watcher waits for before reloading.
const DefaultDebounce = 250 * time.Millisecond

// ErrWatcherStopped is returned by Start once Stop has been called.
var ErrWatcherStopped = errors.New("template watcher stopped")

// Watcher reloads a Renderer when files in its template directory change.
// Bursts of events within the debounce window cause a single Refresh.
// A Watcher is single-use: it cannot be started again after Stop.
type Watcher struct {
	mu       sync.Mutex
	renderer *Renderer
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stopped  bool
	onReload func()
	reloads  atomic.Int64
}

// NewWatcher creates a Watcher for r's template directory. A debounce of zero
// selects DefaultDebounce.
func NewWatcher(r *Renderer, logger *slog.Logger, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		renderer: r,
		logger:   logger,
		watcher:  fw,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnReload registers fn to run after every successful reload. It must be called before Start.
func (w *Watcher) OnReload(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching. It does not block. A missing template directory is not
// an error; there is simply nothing to watch.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWatcherStopped
	}
	if w.running {
		return nil
	}

	dir := w.renderer.GetTemplateDir()
	if dir != "" {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("Template directory does not exist, hot reload disabled", "dir", dir)
		} else if err = w.watcher.Add(dir); err != nil {
			return err
		} else {
			w.logger.Info("Watching template directory", "dir", dir)
		}
	}

	w.running = true
	go w.run(ctx, w.onReload)
	return nil
}

// Stop stops the watcher and waits for its loop to exit. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("failed to close template watcher", "error", err)
	}
}

// Reloads returns how many times the watcher has refreshed the renderer.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

func (w *Watcher) run(ctx context.Context, onReload func()) {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isTemplateEvent(event) {
				continue
			}
			w.logger.Debug("Template change", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("template watcher error", "error", err)

		case <-fire:
			fire = nil
			if err := w.renderer.Refresh(); err != nil {
				w.logger.Error("failed to reload templates, keeping previous set", "error", err)
				continue
			}
			w.reloads.Add(1)
			if onReload != nil {
				onReload()
			}
		}
	}
}

func isTemplateEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".tmpl.html") && !strings.HasSuffix(event.Name, ".part.html") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
