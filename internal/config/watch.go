package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/meshwarden/meshwarden/internal/logger"
)

// Manager holds the live configuration and hot-reloads it on file change.
// Only tunable thresholds should be applied from a reload; listeners decide
// which fields they honor. Topology changes (addresses, shard layout)
// require a restart.
type Manager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	watcher    *fsnotify.Watcher
	callbacks  []func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        logger.Logger
}

// NewManager loads the configuration at path and starts watching it.
// A watcher setup failure is non-fatal; the manager still serves the
// loaded configuration.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:     cfg,
		configPath: path,
		stopCh:     make(chan struct{}),
		log:        logger.New("config"),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("config watcher unavailable", logger.Error(err))
		return m, nil
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		m.log.Warn("config watch failed", logger.Error(err))
		return m, nil
	}
	m.watcher = watcher
	go m.watchChanges()

	return m, nil
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration.
func (m *Manager) OnChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Reload re-reads the file, keeping the previous configuration when the
// new content does not validate.
func (m *Manager) Reload() error {
	cfg, err := Load(m.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	callbacks := append([]func(*Config){}, m.callbacks...)
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback(cfg)
	}
	return nil
}

func (m *Manager) watchChanges() {
	defer m.watcher.Close()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				m.log.Info("config file changed, reloading", logger.String("path", m.configPath))
				if err := m.Reload(); err != nil {
					m.log.Error("config reload rejected, keeping previous", logger.Error(err))
				}
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("config watcher error", logger.Error(err))

		case <-m.stopCh:
			return
		}
	}
}

// Stop ends the watch goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
