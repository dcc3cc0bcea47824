// Package config loads splonebox-client-go's settings from a TOML file:
// the core's host and port, the directory holding long-term key material,
// and whether the plugin accepts inbound "run" calls.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Settings is the top-level shape of a splonebox-client-go config file.
type Settings struct {
	Core   CoreSettings   `toml:"core"`
	Keys   KeySettings    `toml:"keys"`
	Plugin PluginSettings `toml:"plugin"`
}

// CoreSettings describes the TCP endpoint of the core to connect to.
type CoreSettings struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// KeySettings names the directory holding the files keys.Load/
// keys.GenerateClientKeypair and noncestore.GenerateKeyMaterial read and
// write.
type KeySettings struct {
	Dir string `toml:"dir"`
}

// PluginSettings controls whether a plugin accepts inbound "run" calls from
// the core; a plugin that only calls out to other plugins can leave this
// false.
type PluginSettings struct {
	Name         string `toml:"name"`
	Description  string `toml:"description"`
	ListenForRun bool   `toml:"listen_for_run"`
}

// defaults is applied before decoding, so any field the file omits keeps a
// sane value rather than the zero value.
func defaults() Settings {
	return Settings{
		Core: CoreSettings{
			Host: "127.0.0.1",
			Port: 6677,
		},
		Keys: KeySettings{
			Dir: ".splonebox",
		},
	}
}

// Load decodes path into a Settings, seeded with defaults for any field the
// file does not set.
func Load(path string) (*Settings, error) {
	s := defaults()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if s.Core.Port <= 0 || s.Core.Port > 65535 {
		return nil, fmt.Errorf("config: invalid core port %d", s.Core.Port)
	}
	if s.Plugin.Name == "" {
		return nil, fmt.Errorf("config: plugin.name is required")
	}
	return &s, nil
}

// Addr returns the core's dial address in host:port form.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Core.Host, s.Core.Port)
}
