package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dyike/tradeflow/internal/logger"
)

// Manager owns the config file. It persists updates atomically and, once
// watching, reloads the file when something else edits it.
type Manager struct {
	path     string
	debounce time.Duration
	log      *zap.SugaredLogger

	mu       sync.RWMutex
	cfg      Config
	onChange func(Config)
	watching bool

	// set while our own write is in flight so the watcher ignores it
	selfWrite atomic.Bool
}

type managerOptions struct {
	configPath    string
	initialConfig *Config
	debounce      time.Duration
	log           *zap.SugaredLogger
}

type ManagerOption func(*managerOptions)

// NewManager loads the config file, writing the initial config (or the
// defaults) when none exists yet.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	options := managerOptions{
		debounce: 300 * time.Millisecond,
		log:      logger.Named("config"),
	}
	for _, opt := range opts {
		opt(&options)
	}

	path := options.configPath
	if path == "" {
		var err error
		if path, err = defaultConfigPath(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	m := &Manager{path: path, debounce: options.debounce, log: options.log}
	cfg, err := readConfig(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		initial := DefaultConfigWithRoot(filepath.Dir(path))
		if options.initialConfig != nil {
			initial = options.initialConfig
		}
		if err := initial.Validate(); err != nil {
			return nil, err
		}
		if err := writeConfigFile(path, *initial); err != nil {
			return nil, fmt.Errorf("write initial config: %w", err)
		}
		cfg = *initial
	default:
		return nil, fmt.Errorf("load config: %w", err)
	}
	m.cfg = cfg
	return m, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) UpdateFromJSON(jsonStr string) error {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return fmt.Errorf("parse config json: %w", err)
	}
	return m.Update(cfg)
}

// Update validates cfg, writes it to disk and applies it.
func (m *Manager) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if reflect.DeepEqual(m.Get(), cfg) {
		return nil
	}
	if err := m.persist(cfg); err != nil {
		return err
	}
	m.apply(cfg)
	return nil
}

// Reload re-reads the config file and applies it when it changed. A file
// deleted from under the manager is recreated with the defaults.
func (m *Manager) Reload() error {
	cfg, err := readConfig(m.path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = *DefaultConfigWithRoot(filepath.Dir(m.path))
		err = m.persist(cfg)
	}
	if err != nil {
		return err
	}
	if m.apply(cfg) {
		m.log.Infow("config reloaded", "path", m.path)
	}
	return nil
}

// Watch calls Reload after edits to the config file settle, then onChange
// with the new config. Later calls only replace onChange.
func (m *Manager) Watch(ctx context.Context, onChange func(Config)) error {
	m.mu.Lock()
	m.onChange = onChange
	started := m.watching
	m.watching = true
	m.mu.Unlock()
	if started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.setWatching(false)
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		m.setWatching(false)
		return fmt.Errorf("watch config dir: %w", err)
	}
	go m.watch(ctx, watcher)
	return nil
}

func (m *Manager) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.setWatching(false)
	defer watcher.Close()

	timer := time.NewTimer(m.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if m.touchesConfig(evt) && !m.selfWrite.Load() {
				timer.Reset(m.debounce)
			}
		case <-timer.C:
			if err := m.Reload(); err != nil {
				m.log.Warnw("ignoring config on disk", "path", m.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.log.Warnw("config watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) touchesConfig(evt fsnotify.Event) bool {
	return filepath.Clean(evt.Name) == filepath.Clean(m.path) &&
		evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (m *Manager) setWatching(v bool) {
	m.mu.Lock()
	m.watching = v
	m.mu.Unlock()
}

// persist writes cfg while muting the watcher for one debounce period.
func (m *Manager) persist(cfg Config) error {
	m.selfWrite.Store(true)
	if err := writeConfigFile(m.path, cfg); err != nil {
		m.selfWrite.Store(false)
		return err
	}
	time.AfterFunc(m.debounce, func() { m.selfWrite.Store(false) })
	return nil
}

// apply swaps in cfg and notifies the watcher callback. It reports false
// when cfg equals the current config.
func (m *Manager) apply(cfg Config) bool {
	m.mu.Lock()
	if reflect.DeepEqual(m.cfg, cfg) {
		m.mu.Unlock()
		return false
	}
	m.cfg = cfg
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(cfg)
	}
	return true
}

// readConfig decodes path over the defaults, so keys missing on disk keep
// sane values, and validates the result.
func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := *DefaultConfigWithRoot(filepath.Dir(path))
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		if dir, err = os.Getwd(); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, "tradeflow", "config.json"), nil
}

func writeConfigFile(path string, cfg Config) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	fail := func(op string, err error) error {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%s config: %w", op, err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&cfg); err != nil {
		return fail("encode", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("flush", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func WithConfigDir(dir string) ManagerOption {
	return func(o *managerOptions) {
		if dir != "" {
			o.configPath = filepath.Join(dir, "config.json")
		}
	}
}

func WithConfigPath(path string) ManagerOption {
	return func(o *managerOptions) {
		if path != "" {
			o.configPath = path
		}
	}
}

func WithDebounce(d time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

func WithInitialConfig(cfg *Config) ManagerOption {
	return func(o *managerOptions) {
		o.initialConfig = cfg
	}
}

func WithLogger(l *zap.SugaredLogger) ManagerOption {
	return func(o *managerOptions) {
		if l != nil {
			o.log = l
		}
	}
}
