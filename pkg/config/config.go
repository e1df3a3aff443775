package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

type Config struct {
	StorageDir      string                      `toml:"storage_dir"`
	EventSocketPath string                      `toml:"event_socket_path,omitempty"`
	API             APIConfig                   `toml:"api"`
	Archive         ArchiveConfig               `toml:"archive"`
	Stream          StreamConfig                `toml:"stream"`
	Subscriptions   map[string]SubscriptionInfo `toml:"subscriptions"`
}

type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// ArchiveConfig controls persistence of dispatched items.
type ArchiveConfig struct {
	Enabled          bool     `toml:"enabled"`
	FlushInterval    Duration `toml:"flush_interval"`
	BatchSize        int      `toml:"batch_size"`
	OptimizeInterval Duration `toml:"optimize_interval"`
	CompressPayloads bool     `toml:"compress_payloads"`
}

// StreamConfig enumerates every option of the streaming core.
type StreamConfig struct {
	WSURL                string   `toml:"ws_url"`
	ReconnectInterval    Duration `toml:"reconnect_interval"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ConnectionTimeout    Duration `toml:"connection_timeout"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout     Duration `toml:"heartbeat_timeout"`
	MaxSubscriptions     int      `toml:"max_subscriptions"`
	EnableBatching       bool     `toml:"enable_batching"`
	BatchSize            int      `toml:"batch_size"`
	BatchTimeout         Duration `toml:"batch_timeout"`
	EnableErrorRecovery  bool     `toml:"enable_error_recovery"`
	MaxErrorCount        int      `toml:"max_error_count"`
	ErrorCooldown        Duration `toml:"error_cooldown"`
	BufferSize           int      `toml:"buffer_size"`
	BufferTimeout        Duration `toml:"buffer_timeout"`
	EnableDeduplication  bool     `toml:"enable_deduplication"`
	DeduplicationWindow  Duration `toml:"deduplication_window"`
	EnableRateLimiting   bool     `toml:"enable_rate_limiting"`
	MaxMessagesPerSecond int      `toml:"max_messages_per_second"`
	MaxRetries           int      `toml:"max_retries"`
	RetryDelay           Duration `toml:"retry_delay"`
	// DispatchQueueSize bounds the per-subscription callback queue.
	DispatchQueueSize int `toml:"dispatch_queue_size"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// DefaultStreamConfig returns the documented defaults. WSURL is left empty.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReconnectInterval:    Duration{5 * time.Second},
		MaxReconnectAttempts: 10,
		ConnectionTimeout:    Duration{10 * time.Second},
		HeartbeatInterval:    Duration{30 * time.Second},
		HeartbeatTimeout:     Duration{5 * time.Second},
		MaxSubscriptions:     100,
		EnableBatching:       false,
		BatchSize:            50,
		BatchTimeout:         Duration{time.Second},
		EnableErrorRecovery:  true,
		MaxErrorCount:        5,
		ErrorCooldown:        Duration{30 * time.Second},
		BufferSize:           1000,
		BufferTimeout:        Duration{30 * time.Second},
		EnableDeduplication:  true,
		DeduplicationWindow:  Duration{60 * time.Second},
		EnableRateLimiting:   true,
		MaxMessagesPerSecond: 100,
		MaxRetries:           3,
		RetryDelay:           Duration{time.Second},
		DispatchQueueSize:    256,
	}
}

// Validate fills unset values with defaults and rejects invalid ones.
// requireURL is false for commands that never dial the node.
func (c *StreamConfig) Validate(requireURL bool) error {
	def := DefaultStreamConfig()

	if c.WSURL == "" {
		if requireURL {
			return fmt.Errorf("stream.ws_url is required")
		}
	} else {
		u, err := url.Parse(c.WSURL)
		if err != nil {
			return fmt.Errorf("invalid stream.ws_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("stream.ws_url must use ws or wss scheme, got %q", u.Scheme)
		}
	}

	durations := []struct {
		name string
		v    *Duration
		def  Duration
	}{
		{"reconnect_interval", &c.ReconnectInterval, def.ReconnectInterval},
		{"connection_timeout", &c.ConnectionTimeout, def.ConnectionTimeout},
		{"heartbeat_interval", &c.HeartbeatInterval, def.HeartbeatInterval},
		{"heartbeat_timeout", &c.HeartbeatTimeout, def.HeartbeatTimeout},
		{"batch_timeout", &c.BatchTimeout, def.BatchTimeout},
		{"error_cooldown", &c.ErrorCooldown, def.ErrorCooldown},
		{"buffer_timeout", &c.BufferTimeout, def.BufferTimeout},
		{"deduplication_window", &c.DeduplicationWindow, def.DeduplicationWindow},
		{"retry_delay", &c.RetryDelay, def.RetryDelay},
	}
	for _, d := range durations {
		if d.v.Duration < 0 {
			return fmt.Errorf("stream.%s must not be negative", d.name)
		}
		if d.v.Duration == 0 {
			*d.v = d.def
		}
	}

	ints := []struct {
		name string
		v    *int
		def  int
	}{
		{"max_reconnect_attempts", &c.MaxReconnectAttempts, def.MaxReconnectAttempts},
		{"max_subscriptions", &c.MaxSubscriptions, def.MaxSubscriptions},
		{"batch_size", &c.BatchSize, def.BatchSize},
		{"max_error_count", &c.MaxErrorCount, def.MaxErrorCount},
		{"buffer_size", &c.BufferSize, def.BufferSize},
		{"max_messages_per_second", &c.MaxMessagesPerSecond, def.MaxMessagesPerSecond},
		{"dispatch_queue_size", &c.DispatchQueueSize, def.DispatchQueueSize},
	}
	for _, i := range ints {
		if *i.v < 0 {
			return fmt.Errorf("stream.%s must not be negative", i.name)
		}
		if *i.v == 0 {
			*i.v = i.def
		}
	}

	// Zero retries is a valid choice, only negatives are rejected.
	if c.MaxRetries < 0 {
		return fmt.Errorf("stream.max_retries must not be negative")
	}

	if c.HeartbeatTimeout.Duration >= c.HeartbeatInterval.Duration {
		return fmt.Errorf("stream.heartbeat_timeout (%s) must be shorter than stream.heartbeat_interval (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}

// SweepInterval is the buffer sweep period: the batch timeout when batching,
// one second otherwise.
func (c StreamConfig) SweepInterval() time.Duration {
	if c.EnableBatching && c.BatchTimeout.Duration > 0 {
		return c.BatchTimeout.Duration
	}
	return time.Second
}

func GetDefaultConfig() (*Config, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return nil, fmt.Errorf("getting default storage directory: %w", err)
	}
	return defaultConfig(storageDir), nil
}

func defaultConfig(storageDir string) *Config {
	return &Config{
		StorageDir: storageDir,
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8645",
		},
		Archive: ArchiveConfig{
			Enabled:          true,
			FlushInterval:    Duration{2 * time.Second},
			BatchSize:        200,
			OptimizeInterval: Duration{time.Hour},
			CompressPayloads: true,
		},
		Stream:        DefaultStreamConfig(),
		Subscriptions: make(map[string]SubscriptionInfo),
	}
}

// LoadConfig reads the configuration at configPath. Options missing from the
// file keep their defaults; a missing file yields the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := defaultConfig("")
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if config.StorageDir == "" {
		storageDir, err := GetDefaultStorageDir()
		if err != nil {
			return nil, fmt.Errorf("getting default storage directory: %w", err)
		}
		config.StorageDir = storageDir
	}

	if config.Subscriptions == nil {
		config.Subscriptions = make(map[string]SubscriptionInfo)
	}

	if err := config.Stream.Validate(false); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return config, nil
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template, err := c.generateConfigTemplate()
	if err != nil {
		return fmt.Errorf("generating config template: %w", err)
	}
	return os.WriteFile(configPath, []byte(template), 0644)
}

func (c *Config) generateConfigTemplate() (string, error) {
	storageDir := c.StorageDir
	if storageDir == "" {
		var err error
		storageDir, err = GetDefaultStorageDir()
		if err != nil {
			return "", fmt.Errorf("getting default storage directory: %w", err)
		}
	}

	return strings.Replace(configTemplate, "/home/user/.local/share/chainstream", storageDir, 1), nil
}

// DBPath returns the archive database location inside the storage dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorageDir, "chainstream.db")
}

// ListSubscriptions returns the configured subscription ids.
func (c *Config) ListSubscriptions() []string {
	names := make([]string, 0, len(c.Subscriptions))
	for name := range c.Subscriptions {
		names = append(names, name)
	}
	return names
}

// GetDefaultStorageDir returns the default storage directory for the archive.
func GetDefaultStorageDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "chainstream")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory %s: %w", dir, err)
	}

	return dir, nil
}

// GetConfigDir returns the configuration directory.
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "chainstream")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	return dir, nil
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
