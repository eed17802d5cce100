// Package config resolves the server's configuration from defaults, an
// optional YAML file, and environment variables, in that precedence
// order (env wins), the way tomtom215-cartographus's
// internal/config/koanf.go layers knadh/koanf/v2 providers.
//
// This generalizes the teacher's original internal/config/config.go (a
// flat struct read straight from os.Getenv via a getEnv helper) into a
// structured, file-plus-env config covering every declared source kind
// instead of one hard-coded PostGIS connection.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// OnInvalid governs what happens when a declared source fails to open.
type OnInvalid string

const (
	Abort OnInvalid = "abort"
	Warn  OnInvalid = "warn"
)

// PgConnection is one declared PostgreSQL connection.
type PgConnection struct {
	ConnString  string    `koanf:"conn_string" yaml:"conn_string"`
	AutoPublish bool      `koanf:"auto_publish" yaml:"auto_publish"`
	OnInvalid   OnInvalid `koanf:"on_invalid" yaml:"on_invalid"`
}

// FileSource is one declared MBTiles/PMTiles/COG path or directory to
// auto-discover archives under.
type FileSource struct {
	Path      string    `koanf:"path" yaml:"path"`
	OnInvalid OnInvalid `koanf:"on_invalid" yaml:"on_invalid"`
}

// CacheConfig is the tiered cache's four byte budgets, as operators write
// them ("512MB", "0" to disable).
type CacheConfig struct {
	Tiles       string `koanf:"tiles" yaml:"tiles"`
	PMTilesDirs string `koanf:"pmtiles_dirs" yaml:"pmtiles_dirs"`
	Sprites     string `koanf:"sprites" yaml:"sprites"`
	Fonts       string `koanf:"fonts" yaml:"fonts"`
}

// ServerConfig is the HTTP surface's own settings.
type ServerConfig struct {
	ListenAddresses   string  `koanf:"listen_addresses" yaml:"listen_addresses"`
	RoutePrefix       string  `koanf:"route_prefix" yaml:"route_prefix"`
	Workers           int     `koanf:"workers" yaml:"workers"`
	RateLimitRPS      float64 `koanf:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst    int     `koanf:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// AssetsConfig points at the on-disk directories the sprite/font/style
// stores serve out of.
type AssetsConfig struct {
	SpritesDir string `koanf:"sprites_dir" yaml:"sprites_dir"`
	FontsDir   string `koanf:"fonts_dir" yaml:"fonts_dir"`
	StylesDir  string `koanf:"styles_dir" yaml:"styles_dir"`
}

// Config is the fully resolved, validated configuration.
type Config struct {
	Server      ServerConfig   `koanf:"server" yaml:"server"`
	Cache       CacheConfig    `koanf:"cache" yaml:"cache"`
	Assets      AssetsConfig   `koanf:"assets" yaml:"assets"`
	Postgres    []PgConnection `koanf:"postgres" yaml:"postgres,omitempty"`
	MBTiles     []FileSource   `koanf:"mbtiles" yaml:"mbtiles,omitempty"`
	PMTiles     []FileSource   `koanf:"pmtiles" yaml:"pmtiles,omitempty"`
	COG         []FileSource   `koanf:"cog" yaml:"cog,omitempty"`
	DefaultSRID int            `koanf:"default_srid" yaml:"default_srid"`
	AutoBounds  bool           `koanf:"auto_bounds" yaml:"auto_bounds"`
	CARootFile  string         `koanf:"ca_root_file" yaml:"ca_root_file,omitempty"`
}

// defaultConfig mirrors the teacher's Load() defaults, generalized to
// Martin's richer shape: sensible values for everything an operator
// hasn't declared.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddresses: "0.0.0.0:3000",
			RoutePrefix:     "",
			Workers:         0, // not read by the server
			RateLimitRPS:    0, // 0 = unlimited
			RateLimitBurst:  0,
		},
		Cache: CacheConfig{
			Tiles:       "512MB",
			PMTilesDirs: "64MB",
			Sprites:     "32MB",
			Fonts:       "32MB",
		},
		Assets: AssetsConfig{
			SpritesDir: "sprites",
			FontsDir:   "fonts",
			StylesDir:  "styles",
		},
		DefaultSRID: 3857,
		AutoBounds:  false,
	}
}

// DefaultConfigPaths mirrors the search order operators expect: the
// current directory first, then a system-wide path.
var DefaultConfigPaths = []string{
	"martin.yaml",
	"martin.yml",
	"/etc/martin/martin.yaml",
}

// ConfigPathEnvVar overrides the search with an explicit file.
const ConfigPathEnvVar = "MARTIN_CONFIG"

// Load resolves configuration in three layers: built-in defaults, an
// optional YAML file (explicit path, or the first of DefaultConfigPaths
// found), then MARTIN__-prefixed environment variables, which win over
// both. explicitPath overrides file discovery entirely (the --config CLI
// flag); pass "" to use the normal search.
func Load(explicitPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	path := explicitPath
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	envProvider := env.Provider("MARTIN__", ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// envTransform turns MARTIN__SERVER__LISTEN_ADDRESSES into
// server.listen_addresses, the koanf path the struct tags above expect.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, "MARTIN__")
	return strings.ToLower(strings.ReplaceAll(s, "__", "."))
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate enforces the invariants the registry relies on: every
// declared source names a non-empty connection string or path, and
// on_invalid is one of the two recognized values (defaulting to warn).
func (c *Config) Validate() error {
	for i := range c.Postgres {
		if c.Postgres[i].ConnString == "" {
			return fmt.Errorf("postgres[%d]: conn_string is required", i)
		}
		if c.Postgres[i].OnInvalid == "" {
			c.Postgres[i].OnInvalid = Warn
		}
		if c.Postgres[i].OnInvalid != Abort && c.Postgres[i].OnInvalid != Warn {
			return fmt.Errorf("postgres[%d]: on_invalid %q must be %q or %q", i, c.Postgres[i].OnInvalid, Abort, Warn)
		}
	}
	for _, group := range [][]FileSource{c.MBTiles, c.PMTiles, c.COG} {
		for i := range group {
			if group[i].Path == "" {
				return fmt.Errorf("file source[%d]: path is required", i)
			}
			if group[i].OnInvalid == "" {
				group[i].OnInvalid = Warn
			}
			if group[i].OnInvalid != Abort && group[i].OnInvalid != Warn {
				return fmt.Errorf("file source[%d]: on_invalid %q must be %q or %q", i, group[i].OnInvalid, Abort, Warn)
			}
		}
	}
	return nil
}
