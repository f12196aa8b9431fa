package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/stmdsp-dash/internal/control"
	"github.com/shaunagostinho/stmdsp-dash/internal/stream"
	"github.com/shaunagostinho/stmdsp-dash/internal/transport"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/dspdash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Serial device
	Device DeviceConfig `yaml:"device" json:"device"`

	// Rate matching between the device tasks and the drawing consumer
	Stream stream.Pacing `yaml:"stream" json:"stream"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// Sample logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type            string `yaml:"type" json:"type"`           // "serial" or "demo"
	Port            string `yaml:"port" json:"port"`           // empty scans for the device
	Signature       string `yaml:"signature" json:"signature"` // hardware id substring
	BaudRate        int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs   int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	BufferSize      int    `yaml:"buffer_size" json:"bufferSize"`   // samples per chunk, 0 keeps device value
	SampleRate      int    `yaml:"sample_rate" json:"sampleRate"`   // Hz, 0 keeps device value
	AutoConnect     bool   `yaml:"auto_connect" json:"autoConnect"` // connect at startup
	ConnectAttempts int    `yaml:"connect_attempts" json:"connectAttempts"`
}

type DisplayConfig struct {
	Timeframe float64 `yaml:"timeframe" json:"timeframe"` // seconds of signal on screen
	DrawInput bool    `yaml:"draw_input" json:"drawInput"`
	Theme     string  `yaml:"theme" json:"theme"` // "dark" or "light"
}

type LoggingConfig struct {
	Path    string `yaml:"path" json:"path"` // default file offered by the UI
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:            "serial",
			Signature:       transport.DefaultSignature,
			BaudRate:        transport.DefaultBaudRate,
			ReadTimeoutMs:   int(transport.DefaultReadTimeout / time.Millisecond),
			BufferSize:      4096,
			AutoConnect:     true,
			ConnectAttempts: 10,
		},
		Stream: stream.DefaultPacing(),
		Display: DisplayConfig{
			Timeframe: 1.0,
			Theme:     "dark",
		},
		Logging: LoggingConfig{
			Path:    "/var/log/dspdash/samples.csv",
			MaxRows: 1_000_000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DSP_TYPE, DSP_PORT, DSP_SIGNATURE, DSP_BAUD, DSP_READ_TIMEOUT_MS,
// DSP_BUFFER_SIZE, DSP_SAMPLE_RATE, LISTEN_ADDR, LOG_PATH, LOG_MAX_ROWS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DSP_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DSP_PORT"); v != "" {
		c.Device.Port = v
	}
	if v := os.Getenv("DSP_SIGNATURE"); v != "" {
		c.Device.Signature = v
	}
	envInt("DSP_BAUD", &c.Device.BaudRate)
	envInt("DSP_READ_TIMEOUT_MS", &c.Device.ReadTimeoutMs)
	envInt("DSP_BUFFER_SIZE", &c.Device.BufferSize)
	envInt("DSP_SAMPLE_RATE", &c.Device.SampleRate)
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	envInt("LOG_MAX_ROWS", &c.Logging.MaxRows)
}

// ControlOptions maps the config onto controller options.
func (c *Config) ControlOptions() control.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return control.Options{
		Port:    c.Device.Port,
		Scanner: transport.NewScanner(c.Device.Signature),
		Transport: transport.Config{
			BaudRate:    c.Device.BaudRate,
			ReadTimeout: time.Duration(c.Device.ReadTimeoutMs) * time.Millisecond,
		},
		Pacing:     c.Stream,
		BufferSize: c.Device.BufferSize,
		SampleRate: c.Device.SampleRate,
		LogMaxRows: c.Logging.MaxRows,
	}
}

// Snapshot returns a copy of the display settings and pacing.
func (c *Config) Snapshot() (DisplayConfig, stream.Pacing) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display, c.Stream
}

// LogPath is the sample log file used when the UI does not name one.
func (c *Config) LogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = defaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
