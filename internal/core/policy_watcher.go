package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"capcore/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher watches the policy rules YAML file for changes and reloads
// rule parameters into the policy engine. Reloads only touch Policy.Rules;
// the evaluation protocol and registered predicates are unaffected.
type PolicyWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	engine      *PolicyEngine
	rulesPath   string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats PolicyWatcherStats
}

// PolicyWatcherStats tracks watcher activity for debugging.
type PolicyWatcherStats struct {
	ReloadsTriggered int
	PoliciesUpdated  int
	Errors           int
	LastEventTime    time.Time
}

// NewPolicyWatcher creates a watcher for the given rules file.
func NewPolicyWatcher(rulesPath string, engine *PolicyEngine) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &PolicyWatcher{
		watcher:     watcher,
		engine:      engine,
		rulesPath:   rulesPath,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start performs an initial load and begins watching the rules file's
// directory. Non-blocking; the watch loop runs in a goroutine.
func (pw *PolicyWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	// Load whatever is on disk before watching
	if err := pw.Reload(); err != nil {
		logging.PolicyWarn("PolicyWatcher: initial rules load failed: %v", err)
	}

	dir := filepath.Dir(pw.rulesPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.PolicyWarn("PolicyWatcher: failed to create rules dir %s: %v (continuing anyway)", dir, err)
	}

	if err := pw.watcher.Add(dir); err != nil {
		logging.PolicyWarn("PolicyWatcher: initial watch failed (dir may not exist): %v", err)
	} else {
		logging.Policy("PolicyWatcher: watching %s", pw.rulesPath)
	}

	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (pw *PolicyWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	if err := pw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryPolicy).Error("PolicyWatcher: error closing watcher: %v", err)
	}
	logging.Policy("PolicyWatcher: stopped")
}

// Reload reads the rules file and merges its parameters into the engine.
func (pw *PolicyWatcher) Reload() error {
	params, err := LoadRuleParams(pw.rulesPath)
	if err != nil {
		pw.mu.Lock()
		pw.stats.Errors++
		pw.mu.Unlock()
		return err
	}

	updated := pw.engine.UpdateRuleParams(params)

	pw.mu.Lock()
	pw.stats.ReloadsTriggered++
	pw.stats.PoliciesUpdated += updated
	pw.stats.LastEventTime = time.Now()
	pw.mu.Unlock()
	return nil
}

// GetStats returns a copy of the watcher stats.
func (pw *PolicyWatcher) GetStats() PolicyWatcherStats {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.stats
}

// run is the watch loop.
func (pw *PolicyWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)

	for {
		select {
		case <-pw.stopCh:
			return
		case <-ctx.Done():
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.mu.Lock()
			pw.stats.Errors++
			pw.mu.Unlock()
			logging.PolicyWarn("PolicyWatcher: watch error: %v", err)
		}
	}
}

// handleEvent reloads on write/create of the rules file, debounced against
// editors that fire multiple events per save.
func (pw *PolicyWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(pw.rulesPath) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	pw.mu.Lock()
	last, seen := pw.debounceMap[event.Name]
	now := time.Now()
	if seen && now.Sub(last) < pw.debounceDur {
		pw.mu.Unlock()
		return
	}
	pw.debounceMap[event.Name] = now
	pw.mu.Unlock()

	logging.PolicyDebug("PolicyWatcher: rules file changed, reloading")
	if err := pw.Reload(); err != nil {
		logging.PolicyWarn("PolicyWatcher: reload failed: %v", err)
	}
}
