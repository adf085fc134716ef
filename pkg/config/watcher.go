package config

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/conductor/pkg/log"
)

// reloadDebounce coalesces the burst of write events an editor's
// save-then-rename produces into a single reload, the same debounce
// pattern a file-tailing watcher uses to avoid rebuilding mid-write.
const reloadDebounce = 300 * time.Millisecond

// Watcher reloads Config from path whenever it changes on disk and
// publishes the new value through Current. Only the fields documented as
// hot-reloadable in the component design (sensitive_patterns,
// rate_limit_signatures, and the rate-limit backoff tunables) are meant to
// be edited while the daemon runs; the whole record is swapped atomically
// for simplicity; callers needing stability over the rest just keep
// reading the fields they started with.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	onError func(error)

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewWatcher loads path once and prepares to watch it. onError may be nil.
func NewWatcher(path string, onError func(error)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, fsWatcher: fsw, onError: onError, stopCh: make(chan struct{})}
	w.current.Store(&cfg)
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// Start begins the debounced reload loop.
func (w *Watcher) Start() {
	go w.run()
}

// Stop stops watching and closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsWatcher.Close()
}

func (w *Watcher) run() {
	logger := log.WithComponent("config")
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(reloadDebounce)
			}

		case <-reload:
			cfg, err := Load(w.path)
			if err != nil {
				logger.Error().Err(err).Msg("reloading config failed, keeping previous value")
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			w.current.Store(&cfg)
			logger.Info().Msg("config reloaded")

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("config watcher error")

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
