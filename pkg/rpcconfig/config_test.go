package rpcconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFallsBackToDefaultsWhenNoFileFound(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.TCPPort != Default().Transport.TCPPort {
		t.Fatalf("expected default port, got %d", cfg.Transport.TCPPort)
	}
}

func TestLoadParsesTOMLAndMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lsprpc.toml")
	content := "[transport]\ntcp_port = 9999\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.TCPPort != 9999 {
		t.Fatalf("expected overridden port 9999, got %d", cfg.Transport.TCPPort)
	}
	if cfg.Transport.TCPHost != Default().Transport.TCPHost {
		t.Fatalf("expected default host to survive merge, got %q", cfg.Transport.TCPHost)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lsprpc.yaml")
	content := "transport:\n  tcp_host: 0.0.0.0\nvalidation:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.TCPHost != "0.0.0.0" {
		t.Fatalf("expected overridden host, got %q", cfg.Transport.TCPHost)
	}
	if cfg.Validation.Enabled {
		t.Fatal("expected validation disabled")
	}
}

func TestDiscoverFindsConfigInCWD(t *testing.T) {
	dir := t.TempDir()
	restore := chdir(t, dir)
	defer restore()

	path := filepath.Join(dir, "lsprpc.toml")
	if err := os.WriteFile(path, []byte("[transport]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got != path {
		t.Fatalf("got %q, want %q", got, path)
	}
}

func TestApplyEnvOverridesOverridesTCPPort(t *testing.T) {
	t.Setenv("LSPRPC_TCP_PORT", "4242")
	cfg := Default()
	applyEnvOverrides(cfg)
	if cfg.Transport.TCPPort != 4242 {
		t.Fatalf("expected env override to apply, got %d", cfg.Transport.TCPPort)
	}
}

func TestWatcherReloadsOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lsprpc.toml")
	if err := os.WriteFile(path, []byte("[transport]\ntcp_port = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := Watch(WatchOptions{
		ConfigPath: path,
		OnReload:   func(c *Config) { reloaded <- c },
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[transport]\ntcp_port = 2\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Transport.TCPPort != 2 {
			t.Fatalf("expected reloaded port 2, got %d", cfg.Transport.TCPPort)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() { os.Chdir(orig) }
}
