// Package roster maintains the execution-endpoint roster consumed by the
// router. Endpoints live in a YAML file published by the external registry
// collaborator; the registry watches the file with fsnotify (with a polling
// safety net) and exposes point-in-time snapshots plus a coalesced change
// signal for the scheduler.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"loom/pkg/router"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultPollInterval is the fallback reload interval used as a safety net
// when file events are missed or fsnotify is unavailable.
const DefaultPollInterval = 60 * time.Second

// File is the on-disk roster document.
type File struct {
	Endpoints []router.Endpoint `yaml:"endpoints"`
}

// Load parses a roster file. A missing file is an empty roster, not an
// error: the coordinator starts before the registry publishes.
func Load(path string) ([]router.Endpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return f.Endpoints, nil
}

// Registry holds the current roster and watches the file for changes.
type Registry struct {
	path         string
	logger       *slog.Logger
	pollInterval time.Duration

	mu        sync.RWMutex
	endpoints []router.Endpoint

	changed chan struct{}
}

// NewRegistry creates a Registry and performs the initial load.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoints, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Registry{
		path:         path,
		logger:       logger.With("component", "roster"),
		pollInterval: DefaultPollInterval,
		endpoints:    endpoints,
		changed:      make(chan struct{}, 1),
	}, nil
}

// SetPollInterval overrides the fallback poll interval (for testing).
func (r *Registry) SetPollInterval(d time.Duration) { r.pollInterval = d }

// Snapshot returns a copy of the current endpoint roster.
func (r *Registry) Snapshot() []router.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]router.Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// Changes signals roster updates. The channel is coalesced: consumers get
// at least one signal after any number of updates.
func (r *Registry) Changes() <-chan struct{} {
	return r.changed
}

// Watch reloads the roster on file changes until ctx is cancelled. Watching
// the parent directory catches atomic rename-into-place publishes.
func (r *Registry) Watch(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("fsnotify unavailable, polling only", "err", err)
		r.pollLoop(ctx, ticker)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		r.logger.Warn("watch failed, polling only", "path", r.path, "err", err)
		r.pollLoop(ctx, ticker)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) == filepath.Clean(r.path) {
				r.reload()
			}
		case err := <-watcher.Errors:
			if err != nil {
				r.logger.Warn("watcher error", "err", err)
			}
		case <-ticker.C:
			r.reload()
		}
	}
}

// pollLoop is the fallback when fsnotify is unavailable.
func (r *Registry) pollLoop(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reload()
		}
	}
}

// reload re-reads the file and signals on change. A parse error keeps the
// previous roster: a half-written file must not blank the fleet's targets.
func (r *Registry) reload() {
	endpoints, err := Load(r.path)
	if err != nil {
		r.logger.Warn("roster reload failed, keeping previous", "err", err)
		return
	}

	r.mu.Lock()
	r.endpoints = endpoints
	r.mu.Unlock()

	select {
	case r.changed <- struct{}{}:
	default: // a signal is already pending
	}
}
