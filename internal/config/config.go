// Package config loads talkmetrics configuration by layering
// defaults, an optional YAML file in the data directory,
// environment variables and command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	Host                string        `koanf:"host"`
	Port                int           `koanf:"port"`
	DataDir             string        `koanf:"-"`
	DBPath              string        `koanf:"-"`
	ImportDir           string        `koanf:"import_dir"`
	WriteTimeout        time.Duration `koanf:"write_timeout"`
	QueryTimeout        time.Duration `koanf:"query_timeout"`
	MaterializeInterval time.Duration `koanf:"materialize_interval"`
	Workers             int           `koanf:"workers"`
}

// Environment variables read by Load.
const (
	EnvDataDir             = "TALKMETRICS_DATA_DIR"
	EnvImportDir           = "TALKMETRICS_IMPORT_DIR"
	EnvHost                = "TALKMETRICS_HOST"
	EnvPort                = "TALKMETRICS_PORT"
	EnvQueryTimeout        = "TALKMETRICS_QUERY_TIMEOUT"
	EnvMaterializeInterval = "TALKMETRICS_MATERIALIZE_INTERVAL"
	EnvWorkers             = "TALKMETRICS_WORKERS"
)

const (
	configFileName = "config.yaml"
	dbFileName     = "talkmetrics.db"
)

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".talkmetrics")
	return Config{
		Host:                "127.0.0.1",
		Port:                8080,
		DataDir:             dataDir,
		DBPath:              filepath.Join(dataDir, dbFileName),
		ImportDir:           filepath.Join(dataDir, "import"),
		WriteTimeout:        30 * time.Second,
		QueryTimeout:        20 * time.Second,
		MaterializeInterval: time.Minute,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file and env,
// without parsing CLI flags.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// The data dir locates the config file, so it is resolved
	// from the environment first.
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.setDataDir(v)
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) setDataDir(dir string) {
	defaultImport := filepath.Join(c.DataDir, "import")
	c.DataDir = dir
	c.DBPath = filepath.Join(dir, dbFileName)
	if c.ImportDir == defaultImport {
		c.ImportDir = filepath.Join(dir, "import")
	}
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

func (c *Config) loadFile() error {
	path := c.configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if v := k.String("host"); v != "" {
		c.Host = v
	}
	if v := k.Int("port"); v != 0 {
		c.Port = v
	}
	if v := k.String("import_dir"); v != "" {
		c.ImportDir = v
	}
	if v := k.Int("workers"); v != 0 {
		c.Workers = v
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"write_timeout", &c.WriteTimeout},
		{"query_timeout", &c.QueryTimeout},
		{"materialize_interval", &c.MaterializeInterval},
	}
	for _, d := range durations {
		if !k.Exists(d.key) {
			continue
		}
		v, err := time.ParseDuration(k.String(d.key))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(EnvImportDir); v != "" {
		c.ImportDir = v
	}
	if v := os.Getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Port = n
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvWorkers, v, err)
		}
		c.Workers = n
	}
	if v := os.Getenv(EnvQueryTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvQueryTimeout, v, err)
		}
		c.QueryTimeout = d
	}
	if v := os.Getenv(EnvMaterializeInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf(
				"invalid %s %q: %w", EnvMaterializeInterval, v, err,
			)
		}
		c.MaterializeInterval = d
	}
	return nil
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8080, "Port to listen on")
	fs.String("import-dir", "", "Directory of JSONL event files to follow")
	fs.Duration(
		"materialize-interval", time.Minute,
		"How often to materialize closed conversations (0 disables)",
	)
	fs.Int("workers", 0, "Materializer worker pool size (0 = auto)")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "import-dir":
			cfg.ImportDir = f.Value.String()
		case "materialize-interval":
			cfg.MaterializeInterval, _ = time.ParseDuration(f.Value.String())
		case "workers":
			cfg.Workers, _ = strconv.Atoi(f.Value.String())
		}
	})
}

// EnsureDirs creates the data and import directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.ImportDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
