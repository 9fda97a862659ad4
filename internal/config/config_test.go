package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setupConfigDir creates a temp data dir, points the env var at
// it, and returns the dir.
func setupConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	for _, env := range []string{
		EnvImportDir, EnvHost, EnvPort, EnvQueryTimeout,
		EnvMaterializeInterval, EnvWorkers,
	} {
		t.Setenv(env, "")
	}
	return dir
}

func writeConfigRaw(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, configFileName)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func loadConfigFromFlags(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return Load(fs)
}

func TestLoadDefaults(t *testing.T) {
	dir := setupConfigDir(t)

	cfg, err := LoadMinimal()
	if err != nil {
		t.Fatalf("LoadMinimal: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if want := filepath.Join(dir, "talkmetrics.db"); cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if want := filepath.Join(dir, "import"); cfg.ImportDir != want {
		t.Errorf("ImportDir = %q, want %q", cfg.ImportDir, want)
	}
	if cfg.Port != 8080 || cfg.Host != "127.0.0.1" {
		t.Errorf("listen = %s:%d, want 127.0.0.1:8080", cfg.Host, cfg.Port)
	}
	if cfg.QueryTimeout != 20*time.Second {
		t.Errorf("QueryTimeout = %v, want 20s", cfg.QueryTimeout)
	}
	if cfg.MaterializeInterval != time.Minute {
		t.Errorf("MaterializeInterval = %v, want 1m", cfg.MaterializeInterval)
	}
}

func TestLoadFile(t *testing.T) {
	dir := setupConfigDir(t)
	writeConfigRaw(t, dir, strings.Join([]string{
		"host: 0.0.0.0",
		"port: 9090",
		"import_dir: /srv/events",
		"workers: 4",
		"query_timeout: 5s",
		"materialize_interval: 10s",
	}, "\n"))

	cfg, err := LoadMinimal()
	if err != nil {
		t.Fatalf("LoadMinimal: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 9090 {
		t.Errorf("listen = %s:%d, want 0.0.0.0:9090", cfg.Host, cfg.Port)
	}
	if cfg.ImportDir != "/srv/events" {
		t.Errorf("ImportDir = %q", cfg.ImportDir)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.QueryTimeout != 5*time.Second {
		t.Errorf("QueryTimeout = %v, want 5s", cfg.QueryTimeout)
	}
	if cfg.MaterializeInterval != 10*time.Second {
		t.Errorf("MaterializeInterval = %v, want 10s", cfg.MaterializeInterval)
	}
	if cfg.WriteTimeout != 30*time.Second {
		t.Errorf("WriteTimeout = %v, want default 30s", cfg.WriteTimeout)
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "port: [unterminated"},
		{"bad duration", "query_timeout: soon"},
		{"duration without unit", "materialize_interval: 30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupConfigDir(t)
			writeConfigRaw(t, dir, tt.content)
			if _, err := LoadMinimal(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := setupConfigDir(t)
	writeConfigRaw(t, dir, "port: 9090\nimport_dir: /from/file\n")
	t.Setenv(EnvPort, "7070")
	t.Setenv(EnvImportDir, "/from/env")
	t.Setenv(EnvQueryTimeout, "2s")
	t.Setenv(EnvMaterializeInterval, "0s")
	t.Setenv(EnvWorkers, "3")

	cfg, err := LoadMinimal()
	if err != nil {
		t.Fatalf("LoadMinimal: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Port)
	}
	if cfg.ImportDir != "/from/env" {
		t.Errorf("ImportDir = %q, want /from/env", cfg.ImportDir)
	}
	if cfg.QueryTimeout != 2*time.Second {
		t.Errorf("QueryTimeout = %v, want 2s", cfg.QueryTimeout)
	}
	if cfg.MaterializeInterval != 0 {
		t.Errorf("MaterializeInterval = %v, want 0", cfg.MaterializeInterval)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Workers)
	}
}

func TestInvalidEnv(t *testing.T) {
	tests := []struct{ env, value string }{
		{EnvPort, "eighty"},
		{EnvWorkers, "many"},
		{EnvQueryTimeout, "forever"},
		{EnvMaterializeInterval, "often"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			setupConfigDir(t)
			t.Setenv(tt.env, tt.value)
			_, err := LoadMinimal()
			if err == nil || !strings.Contains(err.Error(), tt.env) {
				t.Fatalf("err = %v, want mention of %s", err, tt.env)
			}
		})
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	setupConfigDir(t)
	t.Setenv(EnvPort, "7070")

	cfg, err := loadConfigFromFlags(t,
		"-port", "6060", "-import-dir", "/from/flag",
		"-materialize-interval", "15s", "-workers", "2",
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 6060 {
		t.Errorf("Port = %d, want 6060", cfg.Port)
	}
	if cfg.ImportDir != "/from/flag" {
		t.Errorf("ImportDir = %q, want /from/flag", cfg.ImportDir)
	}
	if cfg.MaterializeInterval != 15*time.Second {
		t.Errorf("MaterializeInterval = %v, want 15s", cfg.MaterializeInterval)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
}

func TestUnsetFlagsKeepLowerLayers(t *testing.T) {
	setupConfigDir(t)
	t.Setenv(EnvPort, "7070")

	cfg, err := loadConfigFromFlags(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want env value 7070", cfg.Port)
	}
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		DataDir:   filepath.Join(dir, "data"),
		ImportDir: filepath.Join(dir, "data", "import"),
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, p := range []string{cfg.DataDir, cfg.ImportDir} {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", p, err)
		}
	}
}
