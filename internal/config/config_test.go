package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigHasSensibleBudgets(t *testing.T) {
	cfg := defaultConfig()
	if cfg.Server.ListenAddresses == "" {
		t.Error("expected a non-empty default listen address")
	}
	if cfg.Cache.Tiles == "" || cfg.Cache.PMTilesDirs == "" {
		t.Error("expected non-empty default cache budgets")
	}
	if cfg.DefaultSRID != 3857 {
		t.Errorf("DefaultSRID = %d, want 3857", cfg.DefaultSRID)
	}
}

func TestEnvTransform(t *testing.T) {
	cases := map[string]string{
		"MARTIN__SERVER__LISTEN_ADDRESSES": "server.listen_addresses",
		"MARTIN__CACHE__TILES":             "cache.tiles",
		"MARTIN__DEFAULT_SRID":             "default_srid",
	}
	for in, want := range cases {
		if got := envTransform(in); got != want {
			t.Errorf("envTransform(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateRejectsEmptyConnString(t *testing.T) {
	cfg := defaultConfig()
	cfg.Postgres = []PgConnection{{ConnString: ""}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for an empty conn_string")
	}
}

func TestValidateDefaultsOnInvalidToWarn(t *testing.T) {
	cfg := defaultConfig()
	cfg.Postgres = []PgConnection{{ConnString: "postgres://localhost/db"}}
	cfg.MBTiles = []FileSource{{Path: "/data/tiles.mbtiles"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Postgres[0].OnInvalid != Warn {
		t.Errorf("Postgres[0].OnInvalid = %q, want warn", cfg.Postgres[0].OnInvalid)
	}
	if cfg.MBTiles[0].OnInvalid != Warn {
		t.Errorf("MBTiles[0].OnInvalid = %q, want warn", cfg.MBTiles[0].OnInvalid)
	}
}

func TestValidateRejectsEmptyFileSourcePath(t *testing.T) {
	cfg := defaultConfig()
	cfg.PMTiles = []FileSource{{Path: ""}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func TestLoadAppliesFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "martin.yaml")
	yamlContent := "server:\n  listen_addresses: \"0.0.0.0:4000\"\ncache:\n  tiles: \"256MB\"\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("MARTIN__CACHE__TILES", "1GB")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddresses != "0.0.0.0:4000" {
		t.Errorf("ListenAddresses = %q, want file value 0.0.0.0:4000", cfg.Server.ListenAddresses)
	}
	if cfg.Cache.Tiles != "1GB" {
		t.Errorf("Cache.Tiles = %q, want env override 1GB", cfg.Cache.Tiles)
	}
}

func TestFindConfigFileHonorsEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  workers: 4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	if got := findConfigFile(); got != path {
		t.Errorf("findConfigFile() = %q, want %q", got, path)
	}
}
