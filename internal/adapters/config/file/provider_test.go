package file

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/tjfontaine/npc-trainer/internal/pkg/config"
)

func writeConfig(t *testing.T, path string, port int) {
	t.Helper()
	body := []byte("server:\n  port: " + strconv.Itoa(port) + "\nstorage:\n  driver: memory\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider("", nil); err == nil {
		t.Error("NewProvider() expected error for empty path")
	}
}

func TestProvider_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, 9090)

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if p.Current() != cfg {
		t.Error("Current() should return the loaded config")
	}
}

func TestProvider_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, 9090)

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *config.Config, 16)
	onChange := func(cfg *config.Config) {
		select {
		case changed <- cfg:
		default:
		}
	}
	if err := p.Watch(ctx, onChange); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeConfig(t, path, 9191)

	// A single write can surface as several events, some of them seeing
	// the truncated file.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Server.Port == 9191 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func waitForPort(t *testing.T, changed <-chan *config.Config, port int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Server.Port == port {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for port %d", port)
		}
	}
}

func TestProvider_WatchFollowsRenameSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, 9090)

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()
	p.settle = 10 * time.Millisecond
	if _, err := p.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan *config.Config, 16)
	if err := p.Watch(ctx, func(cfg *config.Config) { changed <- cfg }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	tmp := filepath.Join(dir, "config.yaml.tmp")
	writeConfig(t, tmp, 9292)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitForPort(t, changed, 9292)

	// The watch survives the rename.
	writeConfig(t, path, 9393)
	waitForPort(t, changed, 9393)
}

func TestProvider_InvalidEditKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, 9090)

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()
	loaded, err := p.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	writeConfig(t, path, 70000)
	called := false
	p.reload(func(*config.Config) { called = true })
	if called {
		t.Error("onChange called for an invalid config")
	}
	if p.Current() != loaded {
		t.Error("Current() changed after a rejected reload")
	}
}

func TestProvider_UnchangedBytesSkipReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, 9090)

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()
	if _, err := p.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	writeConfig(t, path, 9090)
	calls := 0
	p.reload(func(*config.Config) { calls++ })
	if calls != 0 {
		t.Errorf("onChange calls = %d, want 0 for identical bytes", calls)
	}

	writeConfig(t, path, 9191)
	p.reload(func(*config.Config) { calls++ })
	if calls != 1 {
		t.Errorf("onChange calls = %d, want 1", calls)
	}
}
