package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRefreshInterval bounds how often Current re-reads the config file.
const DefaultRefreshInterval = 5 * time.Second

// Manager loads, caches and saves the configuration file.
// It is safe for concurrent use.
type Manager struct {
	path     string
	resolver *Resolver
	logger   *slog.Logger
	refresh  time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	current  *Config
	loadedAt time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the manager.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithResolver sets the template resolver used to read the file.
func WithResolver(r *Resolver) ManagerOption {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithRefreshInterval sets how stale the cached config may become.
func WithRefreshInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refresh = d
	}
}

// WithNow sets the clock used for refresh decisions.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager for the config file at path. An empty path
// means defaults only, with Save disabled.
func NewManager(path string, opts ...ManagerOption) *Manager {
	m := &Manager{
		path:     path,
		resolver: NewResolver(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		refresh:  DefaultRefreshInterval,
		now:      time.Now,
		current:  Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "config")
	return m
}

// Path returns the config file path.
func (m *Manager) Path() string {
	return m.path
}

// Load reads the config file and replaces the cached copy. A missing file
// yields the defaults.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.read(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = cfg
	m.loadedAt = m.now()
	m.mu.Unlock()

	return cfg.Clone(), nil
}

func (m *Manager) read(ctx context.Context) (*Config, error) {
	if m.path == "" {
		return Default(), nil
	}

	cfg, err := m.resolver.ResolveFile(ctx, m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Info("config file not found, using defaults", "path", m.path)
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Current returns the cached config, re-reading the file when the cached copy
// is older than the refresh interval. A failed re-read keeps the last good
// config.
func (m *Manager) Current(ctx context.Context) *Config {
	m.mu.RLock()
	cfg, loadedAt := m.current, m.loadedAt
	m.mu.RUnlock()

	if m.path == "" || m.now().Sub(loadedAt) < m.refresh {
		return cfg
	}

	fresh, err := m.read(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadedAt = m.now()
	if err != nil {
		m.logger.Warn("config reload failed, keeping previous", "path", m.path, "error", err)
		return m.current
	}
	m.current = fresh
	return fresh
}

// ErrTemplated is returned by Save when the config file on disk is a
// template. Writing the rendered config back would replace secret
// references with their plaintext values.
var ErrTemplated = errors.New("config file is a template and cannot be rewritten")

// Save validates cfg and writes it atomically as plain YAML. It refuses to
// overwrite a file that contains template actions.
func (m *Manager) Save(_ context.Context, cfg *Config) error {
	if m.path == "" {
		return errors.New("config manager has no file path")
	}

	templated, err := isTemplate(m.path)
	if err != nil {
		return err
	}
	if templated {
		return fmt.Errorf("%w: %s", ErrTemplated, m.path)
	}

	next := cfg.Clone()
	next.normalize()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	data, err := yaml.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := writeFileAtomic(m.path, data, 0o600); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = next
	m.loadedAt = m.now()
	m.mu.Unlock()

	m.logger.Info("config saved", "path", m.path)
	return nil
}

// isTemplate reports whether the file at path holds any template action. A
// missing file is not a template.
func isTemplate(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading config file: %w", err)
	}
	return bytes.Contains(data, []byte("{{")), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("setting config file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming config file: %w", err)
	}
	return nil
}
