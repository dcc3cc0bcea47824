package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "splonebox.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[plugin]
name = "example-plugin"
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Core.Host != "127.0.0.1" || s.Core.Port != 6677 {
		t.Fatalf("defaults not applied: %+v", s.Core)
	}
	if s.Keys.Dir != ".splonebox" {
		t.Fatalf("key dir default not applied: %q", s.Keys.Dir)
	}
	if s.Addr() != "127.0.0.1:6677" {
		t.Fatalf("Addr() = %q", s.Addr())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[core]
host = "10.0.0.5"
port = 1234

[keys]
dir = "/etc/splonebox/keys"

[plugin]
name = "example-plugin"
listen_for_run = true
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Addr() != "10.0.0.5:1234" {
		t.Fatalf("Addr() = %q", s.Addr())
	}
	if s.Keys.Dir != "/etc/splonebox/keys" {
		t.Fatalf("Keys.Dir = %q", s.Keys.Dir)
	}
	if !s.Plugin.ListenForRun {
		t.Fatalf("ListenForRun not set")
	}
}

func TestLoadRequiresPluginName(t *testing.T) {
	path := writeConfig(t, `
[core]
host = "127.0.0.1"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing plugin.name")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
[core]
port = 70000

[plugin]
name = "x"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}
