package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk, so the
// daemon picks up tuning changes (page size, chunk size, exempted
// collections) without a restart. Structural settings (store URI, cache
// path) still require one; the reload callback receives the whole parsed
// config and decides what to apply.
type Watcher struct {
	path     string
	onReload func(*Config)
	logger   *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// debounceInterval batches the editor write/rename bursts a single save
// produces.
const debounceInterval = 250 * time.Millisecond

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, onReload func(*Config), logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Watching the parent directory instead of the file
// itself survives rename-based atomic saves.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("config watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close fsnotify watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var pending bool
	timer := time.NewTimer(debounceInterval)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(debounceInterval)
			}

		case <-timer.C:
			pending = false
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Printf("Ignoring config change, reload failed: %v", err)
		return
	}
	w.logger.Printf("Config reloaded from %s", w.path)
	w.onReload(cfg)
}
