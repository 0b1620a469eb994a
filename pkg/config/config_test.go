package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type TestConfig struct {
	Storage struct {
		Type      string `yaml:"type" json:"type"`
		Directory string `yaml:"directory" json:"directory"`
		SQL       struct {
			DSN             string        `yaml:"dsn" json:"dsn"`
			MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
			ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
		} `yaml:"sql" json:"sql"`
	} `yaml:"storage" json:"storage"`
	Tracing struct {
		Enabled    bool    `yaml:"enabled" json:"enabled"`
		SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
	} `yaml:"tracing" json:"tracing"`
	Channels []string `yaml:"channels" json:"channels"`
	Internal string   `yaml:"-" json:"-"`
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
storage:
  type: sqlite
  directory: ./data/logs
  sql:
    dsn: ./data/logpilot.db
    max_open_conns: 25
    conn_max_lifetime: 5m
tracing:
  enabled: true
  sample_rate: 0.5
`
	tmpFile := createTempFile(t, "test.yaml", yamlContent)

	var cfg TestConfig
	if err := LoadYAML(tmpFile, &cfg); err != nil {
		t.Fatalf("LoadYAML failed: %v", err)
	}

	if cfg.Storage.Type != "sqlite" {
		t.Errorf("Storage.Type = %v, want sqlite", cfg.Storage.Type)
	}
	if cfg.Storage.SQL.MaxOpenConns != 25 {
		t.Errorf("Storage.SQL.MaxOpenConns = %v, want 25", cfg.Storage.SQL.MaxOpenConns)
	}
	if cfg.Storage.SQL.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("Storage.SQL.ConnMaxLifetime = %v, want 5m", cfg.Storage.SQL.ConnMaxLifetime)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
}

func TestLoadJSON(t *testing.T) {
	jsonContent := `{
  "storage": {
    "type": "file",
    "directory": "/var/lib/logpilot"
  }
}`
	tmpFile := createTempFile(t, "test.json", jsonContent)

	var cfg TestConfig
	if err := Load(tmpFile, &cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Type != "file" {
		t.Errorf("Storage.Type = %v, want file", cfg.Storage.Type)
	}
	if cfg.Storage.Directory != "/var/lib/logpilot" {
		t.Errorf("Storage.Directory = %v, want /var/lib/logpilot", cfg.Storage.Directory)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg TestConfig
	if err := Load(filepath.Join(t.TempDir(), "absent.yaml"), &cfg); err == nil {
		t.Error("Load should fail for a missing file")
	}
}

func TestFormatOf(t *testing.T) {
	tests := map[string]Format{
		"logpilot.yaml": FormatYAML,
		"logpilot.yml":  FormatYAML,
		"logpilot.JSON": FormatJSON,
		"logpilot":      FormatYAML,
	}
	for path, want := range tests {
		if got := FormatOf(path); got != want {
			t.Errorf("FormatOf(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestSave_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.json")

	var in TestConfig
	in.Storage.Directory = "/srv/logs"
	if err := Save(path, &in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	var out TestConfig
	if err := Load(path, &out); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.Storage.Directory != "/srv/logs" {
		t.Errorf("Storage.Directory = %q", out.Storage.Directory)
	}
}

func TestLoadJSON_Empty(t *testing.T) {
	var cfg TestConfig
	if err := LoadJSON(createTempFile(t, "empty.json", ""), &cfg); err == nil {
		t.Error("LoadJSON should reject an empty file")
	}
}

func TestSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")

	var in TestConfig
	in.Storage.Type = "postgres"
	in.Storage.SQL.ConnMaxLifetime = 90 * time.Second
	if err := Save(path, &in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	var out TestConfig
	if err := LoadYAML(path, &out); err != nil {
		t.Fatalf("LoadYAML failed: %v", err)
	}
	if out.Storage.Type != "postgres" || out.Storage.SQL.ConnMaxLifetime != 90*time.Second {
		t.Errorf("round trip = %+v", out.Storage)
	}
}

func TestLoadWithEnv(t *testing.T) {
	yamlContent := `
storage:
  type: file
  directory: ./data/logs
  sql:
    max_open_conns: 25
`
	tmpFile := createTempFile(t, "test.yaml", yamlContent)

	t.Setenv("APP_STORAGE_TYPE", "sqlite")
	t.Setenv("APP_STORAGE_SQL_MAX_OPEN_CONNS", "8")
	t.Setenv("APP_STORAGE_SQL_CONN_MAX_LIFETIME", "30s")
	t.Setenv("APP_TRACING_ENABLED", "true")
	t.Setenv("APP_TRACING_SAMPLE_RATE", "0.25")
	t.Setenv("APP_CHANNELS", "orders, audit")
	t.Setenv("APP_INTERNAL", "ignored")

	var cfg TestConfig
	if err := LoadWithEnv(tmpFile, "APP", &cfg); err != nil {
		t.Fatalf("LoadWithEnv failed: %v", err)
	}

	if cfg.Storage.Type != "sqlite" {
		t.Errorf("Storage.Type = %v, want sqlite", cfg.Storage.Type)
	}
	if cfg.Storage.SQL.MaxOpenConns != 8 {
		t.Errorf("Storage.SQL.MaxOpenConns = %v, want 8", cfg.Storage.SQL.MaxOpenConns)
	}
	if cfg.Storage.SQL.ConnMaxLifetime != 30*time.Second {
		t.Errorf("Storage.SQL.ConnMaxLifetime = %v, want 30s", cfg.Storage.SQL.ConnMaxLifetime)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SampleRate != 0.25 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[1] != "audit" {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if cfg.Internal != "" {
		t.Errorf("Internal = %q, want untouched", cfg.Internal)
	}
	// Directory should remain from file (no env override)
	if cfg.Storage.Directory != "./data/logs" {
		t.Errorf("Storage.Directory = %v, want ./data/logs", cfg.Storage.Directory)
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"APP_STORAGE_SQL_MAX_OPEN_CONNS":    "many",
		"APP_STORAGE_SQL_CONN_MAX_LIFETIME": "forever",
		"APP_TRACING_ENABLED":               "maybe",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			var cfg TestConfig
			if err := ApplyEnvOverrides("APP", &cfg); err == nil {
				t.Errorf("ApplyEnvOverrides should reject %s=%s", key, value)
			}
		})
	}

	var cfg TestConfig
	if err := ApplyEnvOverrides("APP", cfg); err == nil {
		t.Error("ApplyEnvOverrides should reject a non-pointer target")
	}
}

func TestRequiredFields(t *testing.T) {
	var cfg TestConfig

	validator := RequiredFields("Storage.SQL.DSN")
	if err := validator.Validate(&cfg); err == nil {
		t.Error("RequiredFields should fail for empty DSN")
	}

	cfg.Storage.SQL.DSN = "./data/logpilot.db"
	if err := validator.Validate(&cfg); err != nil {
		t.Errorf("RequiredFields should pass for valid config: %v", err)
	}

	if err := RequiredFields("Storage.Nope").Validate(&cfg); err == nil {
		t.Error("RequiredFields should fail for an unknown field")
	}
}

func TestRangeValidator(t *testing.T) {
	var cfg TestConfig
	cfg.Storage.SQL.MaxOpenConns = 0

	validator := RangeValidator("Storage.SQL.MaxOpenConns", 1, 1000)
	if err := validator.Validate(&cfg); err == nil {
		t.Error("RangeValidator should fail for value below minimum")
	}

	cfg.Storage.SQL.MaxOpenConns = 50
	if err := validator.Validate(&cfg); err != nil {
		t.Errorf("RangeValidator should pass for value in range: %v", err)
	}
}

func TestOneOfValidator_NestedField(t *testing.T) {
	var cfg TestConfig
	cfg.Storage.Type = "mongo"

	validator := OneOfValidator("Storage.Type", "file", "sqlite", "postgres")
	if err := validator.Validate(&cfg); err == nil {
		t.Error("OneOfValidator should reject mongo")
	}

	cfg.Storage.Type = "sqlite"
	if err := Validate(&cfg, validator, RequiredFields("Storage.Type")); err != nil {
		t.Errorf("Validate should pass: %v", err)
	}
}

func TestValidators_PathResolution(t *testing.T) {
	type backend string
	type sqlSection struct {
		DSN   string
		Hosts []string
	}
	type cfgWithPointer struct {
		Type backend
		SQL  *sqlSection
		Rate float64
	}

	cfg := cfgWithPointer{Type: "sqlite", Rate: 0.5}
	if err := RequiredFields("SQL.DSN").Validate(&cfg); err == nil {
		t.Error("RequiredFields should fail through a nil pointer")
	}

	cfg.SQL = &sqlSection{DSN: "x.db", Hosts: []string{}}
	if err := RequiredFields("SQL.DSN").Validate(cfg); err != nil {
		t.Errorf("RequiredFields should follow the pointer: %v", err)
	}
	if err := RequiredFields("SQL.Hosts").Validate(&cfg); err == nil {
		t.Error("RequiredFields should fail for an empty slice")
	}
	if err := RequiredFields("Type.Name").Validate(&cfg); err == nil {
		t.Error("RequiredFields should fail for a path through a non-struct")
	}

	if err := OneOfValidator("Type", "file", "sqlite").Validate(&cfg); err != nil {
		t.Errorf("OneOfValidator should match a named string type: %v", err)
	}
	if err := OneOfValidator("Type", 1, 2).Validate(&cfg); err == nil {
		t.Error("OneOfValidator should not match values of another kind")
	}

	if err := RangeValidator("Rate", 0, 1).Validate(&cfg); err != nil {
		t.Errorf("RangeValidator should accept floats: %v", err)
	}
	if err := RangeValidator("SQL.DSN", 0, 1).Validate(&cfg); err == nil {
		t.Error("RangeValidator should reject a string field")
	}
}

func createTempFile(t *testing.T, name, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	return tmpFile
}
