// Package personality loads personality packs from a directory: manifest,
// system prompt, and tool bindings resolved against the host tool catalog.
// The registry swaps atomically on reload; turns keep the snapshot they
// started with.
package personality

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentshell/agentshell/internal/observability"
)

// Manager discovers and serves personality packs.
type Manager struct {
	dir     string
	catalog map[string]ToolFunc
	logger  *observability.Logger
	metrics *observability.Metrics

	// registry is replaced wholesale on reload; reads take the RLock only
	// long enough to grab the map reference.
	mu       sync.RWMutex
	registry map[string]*Instance

	// reloadMu serializes concurrent Reload calls.
	reloadMu sync.Mutex

	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// ReloadReport summarizes one registry rebuild.
type ReloadReport struct {
	LoadedCount int      `json:"loaded_count"`
	FailedIDs   []string `json:"failed_ids"`
}

// NewManager creates a manager over dir using the default builtin catalog.
func NewManager(dir string, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		dir:      dir,
		catalog:  Builtins(),
		logger:   logger,
		metrics:  metrics,
		registry: make(map[string]*Instance),
	}
}

// Load performs the initial scan. Unlike Reload it fails hard when the pack
// directory itself is unreadable.
func (m *Manager) Load(ctx context.Context) (ReloadReport, error) {
	if _, err := os.Stat(m.dir); err != nil {
		return ReloadReport{}, fmt.Errorf("personality directory: %w", err)
	}
	return m.Reload(ctx)
}

// Reload rebuilds the registry from disk and swaps it atomically. A pack
// that fails to load is logged and excluded without aborting the rest.
// Concurrent calls are serialized.
func (m *Manager) Reload(ctx context.Context) (ReloadReport, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return ReloadReport{}, fmt.Errorf("scan personality directory: %w", err)
	}

	next := make(map[string]*Instance)
	var report ReloadReport
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		packDir := filepath.Join(m.dir, entry.Name())
		manifestPath := filepath.Join(packDir, "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue // not a pack
		}

		inst, err := m.loadPack(packDir, manifestPath)
		if err != nil {
			m.logger.Error(ctx, "personality pack failed to load",
				"pack_dir", entry.Name(), "error", err)
			report.FailedIDs = append(report.FailedIDs, entry.Name())
			continue
		}
		if _, dup := next[inst.ID]; dup {
			m.logger.Error(ctx, "duplicate personality id",
				"personality_id", inst.ID, "pack_dir", entry.Name())
			report.FailedIDs = append(report.FailedIDs, entry.Name())
			continue
		}
		next[inst.ID] = inst
	}
	report.LoadedCount = len(next)

	m.mu.Lock()
	m.registry = next
	m.mu.Unlock()

	m.logger.Info(ctx, "personality registry loaded",
		"loaded", report.LoadedCount, "failed", len(report.FailedIDs))
	return report, nil
}

func (m *Manager) loadPack(packDir, manifestPath string) (*Instance, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:              manifest.ID,
		Name:            manifest.Name,
		Version:         manifest.Version,
		Description:     manifest.Description,
		Traits:          manifest.Traits,
		DefaultProvider: manifest.DefaultProvider,
		DefaultModel:    manifest.DefaultModel,
		tools:           map[string]boundTool{},
	}

	if manifest.SystemPromptFile != "" {
		prompt, err := os.ReadFile(filepath.Join(packDir, manifest.SystemPromptFile))
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		inst.SystemPrompt = string(prompt)
	}

	if manifest.ToolsModule != "" {
		tools, err := loadToolBindings(filepath.Join(packDir, manifest.ToolsModule), m.catalog)
		if err != nil {
			return nil, err
		}
		inst.tools = tools
	}
	return inst, nil
}

// List returns all loaded personalities, sorted by id.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	registry := m.registry
	m.mu.RUnlock()

	out := make([]*Instance, 0, len(registry))
	for _, inst := range registry {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the personality with the given id, or nil.
func (m *Manager) Get(id string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry[id]
}

// ExecuteTool runs a tool on the named personality. Results and latency are
// recorded in metrics.
func (m *Manager) ExecuteTool(ctx context.Context, personalityID, toolName string, args map[string]any) (any, ToolMetrics, error) {
	inst := m.Get(personalityID)
	if inst == nil {
		err := fmt.Errorf("unknown personality %q", personalityID)
		m.metrics.RecordToolExecution(toolName, err)
		return nil, ToolMetrics{Tool: toolName}, err
	}
	result, tm, err := inst.ExecuteTool(ctx, toolName, args)
	m.metrics.RecordToolExecution(toolName, err)
	return result, tm, err
}

// Watch starts an fsnotify watch over the pack directory that triggers a
// debounced Reload on changes. Stops when ctx is done or Close is called.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	// Watch pack subdirectories too; fsnotify is not recursive.
	if entries, err := os.ReadDir(m.dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(m.dir, entry.Name()))
			}
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.watchCancel = cancel

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx, debounce)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, debounce time.Duration) {
	defer m.watchWg.Done()
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if _, err := m.Reload(ctx); err != nil {
				m.logger.Error(ctx, "personality auto reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = m.watcher.Add(event.Name)
					}
				}
				scheduleReload()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn(ctx, "personality watch error", "error", err)
		}
	}
}

// Close stops the watcher, if one is running.
func (m *Manager) Close() error {
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
	m.watchWg.Wait()
	return nil
}
