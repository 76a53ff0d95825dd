package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/modelgate/modelgate/internal/observability"
)

// Manager handles configuration loading and hot-reload. It uses atomic
// pointer swaps so readers never observe a partially applied config.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	logger   *observability.Logger

	reloadMu sync.Mutex
	// digest of the last successfully loaded file; editors that rewrite
	// the file without changing it do not trigger callbacks.
	digest [sha256.Size]byte
}

// NewManager loads the initial configuration from path.
func NewManager(path string, logger *observability.Logger) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	m := &Manager{
		path:   path,
		logger: logger,
		digest: sha256.Sum256(data),
	}
	m.config.Store(cfg)
	return m, nil
}

// Get returns the current configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback invoked after each successful reload.
// Register all callbacks before calling Watch.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the configuration file. Rapid changes are
// debounced; an invalid file keeps the current configuration.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					m.reload()
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current", "error", err)
		return
	}
	digest := sha256.Sum256(data)
	if digest == m.digest {
		m.logger.Debug("config file rewritten without changes")
		return
	}

	newCfg, err := Parse(data)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current", "error", err)
		return
	}

	old := m.config.Load()
	m.config.Store(newCfg)
	m.digest = digest

	if StructuralChange(old, newCfg) {
		m.logger.Warn("structural config change loaded; running gateways apply backend status only, restart for the rest")
	} else {
		m.logger.Info("configuration reloaded")
	}

	for _, fn := range m.onChange {
		fn(newCfg)
	}
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
