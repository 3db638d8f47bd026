package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfPath names the environment variable pointing at the YAML config
// file.
const EnvConfPath = "S2_ANALYZER_CONF"

const defaultDatabaseURL = "sqlite:///./database.db"

// Config is the full runtime configuration. All fields have working defaults,
// so the analyzer starts without any config file at all.
type Config struct {
	ListenAddress string `yaml:"http_listen_address"`
	Port          int    `yaml:"http_port"`

	// DatabaseURL is a sqlite URL of the form sqlite:///<path>.
	DatabaseURL string `yaml:"database_url"`

	LogLevel string `yaml:"log_level"`
	// LogFile, when set, adds a size-rotated file sink next to stderr.
	LogFile string `yaml:"log_file"`

	// CemModelID is the origin id of the built-in CEM emulation. RM
	// connections whose destination matches it are served by the model
	// instead of waiting for a real CEM peer.
	CemModelID string `yaml:"cem_model_id"`
	// CemTickInterval is the planning timestep of the CEM emulation.
	CemTickInterval time.Duration `yaml:"cem_tick_interval"`

	// RouterBufferCap bounds the number of envelopes buffered per direction
	// while the partner half-connection is absent.
	RouterBufferCap int `yaml:"router_buffer_cap"`
}

func Default() Config {
	return Config{
		ListenAddress:   "0.0.0.0",
		Port:            8001,
		DatabaseURL:     defaultDatabaseURL,
		LogLevel:        "info",
		CemModelID:      "cem_model",
		CemTickInterval: time.Minute,
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; environment overrides (DATABASE_URL, LOG_LEVEL) are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfPath)
	}
	if path == "" {
		path = "config.yaml"
	}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Addr is the listen address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// DatabasePath resolves the sqlite file path from the database URL.
func (c Config) DatabasePath() (string, error) {
	url := c.DatabaseURL
	if url == "" {
		url = defaultDatabaseURL
	}
	path, ok := strings.CutPrefix(url, "sqlite:///")
	if !ok {
		return "", fmt.Errorf("unsupported database url %q, expected sqlite:///<path>", url)
	}
	if path == "" {
		return "", fmt.Errorf("database url %q has an empty path", url)
	}
	return path, nil
}
