package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"yolopipe/internal/pipeline"
)

// reloadDelay lets editors finish writing before the file is read
const reloadDelay = 100 * time.Millisecond

// Watcher reloads the config file when it changes and pushes the detection
// thresholds into a running pipeline. Other settings need a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	updater pipeline.ThresholdUpdater

	mu      sync.Mutex
	current *Config
	reloads int
}

// NewWatcher watches the directory of path so renames by editors are seen
func NewWatcher(path string, current *Config, updater pipeline.ThresholdUpdater) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		updater: updater,
		current: current,
	}, nil
}

// Run processes file events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDelay)
			}

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Config] Watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		log.Printf("[Config] Ignoring invalid config change: %v", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.reloads++
	w.mu.Unlock()

	if prev != nil &&
		prev.Detection.Threshold == next.Detection.Threshold &&
		prev.Detection.NMSThreshold == next.Detection.NMSThreshold {
		log.Printf("[Config] Reloaded %s, thresholds unchanged", w.path)
		return
	}

	log.Printf("[Config] Reloaded %s", w.path)
	if w.updater != nil {
		w.updater.SetThresholds(next.Detection.Threshold, next.Detection.NMSThreshold)
	}
}

// Current returns the most recently loaded configuration
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many valid reloads happened
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}
