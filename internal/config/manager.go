package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents supported configuration file formats
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
)

// ChangeEvent represents a configuration change event
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // initial_load, create, modify, delete, polling_detected, programmatic_set
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when configuration changes
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a decoded file before it replaces the current one.
type Validator func(map[string]interface{}) error

// ConfigManager watches a directory of JSON/YAML files and notifies per-file handlers.
type ConfigManager struct {
	configDir  string
	configs    map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]Validator
	watcher    *fsnotify.Watcher
	started    bool
	stopCh     chan struct{}
	logger     *zap.Logger
	mu         sync.RWMutex
	eventMu    sync.Mutex

	pollInterval  time.Duration
	enablePolling bool
	// settle absorbs editors that write a file in several steps.
	settle time.Duration
}

// NewConfigManager creates a manager for configDir, creating the directory if needed.
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		configDir:    configDir,
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]Validator),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
		settle:       50 * time.Millisecond,
	}, nil
}

// Start loads every file once and begins watching. Files that fail to load are logged and
// skipped so one bad file does not keep the service down.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := cm.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	cm.mu.Lock()
	cm.started = true
	loaded := len(cm.configs)
	polling := cm.enablePolling
	cm.mu.Unlock()

	go cm.watchLoop()
	if polling {
		go cm.pollLoop()
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = cm.Stop()
		case <-cm.stopCh:
		}
	}()

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching. Safe to call more than once.
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.started {
		return nil
	}
	close(cm.stopCh)
	cm.started = false
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Error("Error closing file watcher", zap.Error(err))
	}
	cm.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler registers a change handler for a specific config file
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
	cm.logger.Info("Configuration handler registered",
		zap.String("filename", filename),
		zap.Int("total_handlers", len(cm.handlers[filename])),
	)
}

// RegisterValidator registers a configuration validator for a specific file
func (cm *ConfigManager) RegisterValidator(filename string, validator Validator) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// GetConfig returns a shallow copy of the current configuration for a file.
func (cm *ConfigManager) GetConfig(filename string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.configs[filename]
	if !ok {
		return nil, false
	}
	return copyMap(c), true
}

// ReloadConfig re-reads one file from disk.
func (cm *ConfigManager) ReloadConfig(filename string) error {
	return cm.loadFile(filepath.Join(cm.configDir, filename), "manual_reload")
}

// SetConfig installs a configuration without touching disk (tests, admin overrides).
func (cm *ConfigManager) SetConfig(filename string, config map[string]interface{}) error {
	return cm.apply(filename, config, "programmatic_set")
}

// EnablePolling enables polling fallback for filesystems without reliable notifications.
func (cm *ConfigManager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.enablePolling = true
	if interval > 0 {
		cm.pollInterval = interval
	}
}

func (cm *ConfigManager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) pollLoop() {
	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()
	seen := make(map[string]time.Time)
	for {
		select {
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.poll(seen)
		}
	}
}

func (cm *ConfigManager) poll(seen map[string]time.Time) {
	err := cm.walk(func(path string, info fs.FileInfo) {
		name := filepath.Base(path)
		if !info.ModTime().After(seen[name]) {
			return
		}
		seen[name] = info.ModTime()
		if err := cm.loadFile(path, "polling_detected"); err != nil {
			cm.logger.Error("Failed to load config file", zap.String("file", name), zap.Error(err))
		}
	})
	if err != nil {
		cm.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	if !isConfigFile(event.Name) {
		return
	}
	cm.eventMu.Lock()
	defer cm.eventMu.Unlock()

	name := filepath.Base(event.Name)
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		cm.remove(name)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		action := "modify"
		if event.Op&fsnotify.Create != 0 {
			action = "create"
		}
		time.Sleep(cm.settle)
		if err := cm.loadFile(event.Name, action); err != nil {
			cm.logger.Error("Failed to load config file",
				zap.String("file", name),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
}

func (cm *ConfigManager) walk(fn func(path string, info fs.FileInfo)) error {
	return filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != cm.configDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fn(path, info)
		return nil
	})
}

func (cm *ConfigManager) loadAll() error {
	return cm.walk(func(path string, _ fs.FileInfo) {
		if err := cm.loadFile(path, "initial_load"); err != nil {
			cm.logger.Error("Skipping config file", zap.String("file", filepath.Base(path)), zap.Error(err))
		}
	})
}

func (cm *ConfigManager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	name := filepath.Base(path)
	parsed := make(map[string]interface{})
	switch detectFormat(name) {
	case FormatJSON:
		err = json.Unmarshal(data, &parsed)
	default:
		err = yaml.Unmarshal(data, &parsed)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return cm.apply(name, parsed, action)
}

// apply validates, stores and fans the new configuration out to the file's handlers.
func (cm *ConfigManager) apply(name string, config map[string]interface{}, action string) error {
	cm.mu.RLock()
	validator := cm.validators[name]
	cm.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", name, err)
		}
	}

	cm.mu.Lock()
	cm.configs[name] = config
	handlers := append([]ChangeHandler(nil), cm.handlers[name]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{File: name, Action: action, Config: copyMap(config), Timestamp: time.Now()})
	cm.logger.Info("Configuration loaded",
		zap.String("filename", name),
		zap.String("action", action),
		zap.Int("keys", len(config)),
	)
	return nil
}

func (cm *ConfigManager) remove(name string) {
	cm.mu.Lock()
	last := cm.configs[name]
	delete(cm.configs, name)
	handlers := append([]ChangeHandler(nil), cm.handlers[name]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{File: name, Action: "delete", Config: copyMap(last), Timestamp: time.Now()})
	cm.logger.Info("Configuration file removed", zap.String("filename", name))
}

// notify runs handlers asynchronously so a slow handler never blocks the watcher.
func (cm *ConfigManager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		h := h
		go func() {
			if err := h(event); err != nil {
				cm.logger.Error("Configuration handler error",
					zap.String("filename", event.File),
					zap.String("action", event.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func detectFormat(name string) ConfigFormat {
	if filepath.Ext(name) == ".json" {
		return FormatJSON
	}
	return FormatYAML
}
