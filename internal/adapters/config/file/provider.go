// Package file serves configuration from a YAML file and reloads it when the
// file changes on disk.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tjfontaine/npc-trainer/internal/core/ports"
	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
)

// DefaultSettle is how long the file must be quiet before a reload.
const DefaultSettle = 200 * time.Millisecond

// Provider loads config.yaml and watches its directory. Watching the
// directory keeps the watch alive across editors that save by renaming a
// temporary file over the original.
type Provider struct {
	path   string
	settle time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	current *config.Config
	raw     []byte
	watcher *fsnotify.Watcher
}

var _ ports.ConfigProvider = (*Provider)(nil)

// NewProvider creates a provider for path. A nil logger uses slog.Default.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Provider{path: abs, settle: DefaultSettle, logger: logger}, nil
}

// Load reads and validates the file.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	cfg, raw, err := p.read()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.current, p.raw = cfg, raw
	p.mu.Unlock()
	p.logger.Info("config loaded", slog.String("path", p.path))
	return cfg, nil
}

func (p *Provider) read() (*config.Config, []byte, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("read config %s: %w", p.path, err)
	}
	cfg, err := config.LoadFile(p.path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}
	return cfg, raw, nil
}

// Current returns the last configuration that loaded cleanly, or nil.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Watch calls onChange with each new valid configuration until ctx ends.
// Bursts of events are collapsed into one reload after the file settles.
// Edits that fail validation are logged and the previous configuration
// stays current. Saves that leave the bytes unchanged do not call onChange.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()
	p.logger.Info("watching config file", slog.String("path", p.path))

	go p.loop(ctx, watcher, onChange)
	return nil
}

func (p *Provider) loop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*config.Config)) {
	defer watcher.Close()

	timer := time.NewTimer(p.settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(p.settle)
		case <-timer.C:
			p.reload(onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

func (p *Provider) reload(onChange func(*config.Config)) {
	cfg, raw, err := p.read()
	if err != nil {
		p.logger.Error("config reload rejected", slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	unchanged := bytes.Equal(raw, p.raw)
	if !unchanged {
		p.current, p.raw = cfg, raw
	}
	p.mu.Unlock()
	if unchanged {
		return
	}

	p.logger.Info("config reloaded", slog.String("path", p.path))
	onChange(cfg)
}

// Close stops the watch started by Watch.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}
