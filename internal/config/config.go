// Package config loads the engine's ambient configuration: defaults,
// an optional TOML file, then environment overrides, in that order.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// SSHDefaults holds per-connection defaults applied when a Connection
// does not override them.
type SSHDefaults struct {
	ConnectTimeoutMs   int    `toml:"connect_timeout_ms"`
	KeepaliveInterval  int    `toml:"keepalive_interval_secs"`
	Term               string `toml:"term"`
	TermWidth          int    `toml:"term_width"`
	TermHeight         int    `toml:"term_height"`
	HostKeyPolicy      string `toml:"host_key_policy"`
	AgentForwarding    bool   `toml:"agent_forwarding"`
}

// TransferDefaults holds the Transfer Queue's tunables.
type TransferDefaults struct {
	BufferSizeBytes int   `toml:"buffer_size_bytes"`
	QueueCapacity   int   `toml:"queue_capacity"`
	BandwidthLimit  int64 `toml:"bandwidth_limit_bps"`
	VerifyChecksum  bool  `toml:"verify_checksum"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Stdout bool   `toml:"stdout"`
}

// KeychainConfig controls Credential Vault fallback behavior.
type KeychainConfig struct {
	UseEncryptedFileFallback bool `toml:"use_encrypted_file_fallback"`
}

// AppConfig is the engine's fully resolved configuration.
type AppConfig struct {
	SSH      SSHDefaults      `toml:"ssh"`
	Transfer TransferDefaults `toml:"transfer"`
	Logging  LoggingConfig    `toml:"logging"`
	Keychain KeychainConfig   `toml:"keychain"`
}

func defaultConfig() AppConfig {
	return AppConfig{
		SSH: SSHDefaults{
			ConnectTimeoutMs:  10_000,
			KeepaliveInterval: 30,
			Term:              "xterm-256color",
			TermWidth:         80,
			TermHeight:        24,
			HostKeyPolicy:     "accept_new",
			AgentForwarding:   false,
		},
		Transfer: TransferDefaults{
			BufferSizeBytes: 32 * 1024,
			QueueCapacity:   32,
			BandwidthLimit:  0,
			VerifyChecksum:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Stdout: true,
		},
		Keychain: KeychainConfig{
			UseEncryptedFileFallback: true,
		},
	}
}

// Load reads defaults, then tomlPath if it exists, then environment
// overrides, and returns the resolved config. tomlPath may be empty.
func Load(tomlPath string) (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if tomlPath != "" {
		if data, err := os.ReadFile(tomlPath); err == nil {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.SSH.ConnectTimeoutMs = getEnvAsInt("CATSOLLE_CONNECT_TIMEOUT_MS", cfg.SSH.ConnectTimeoutMs)
	cfg.SSH.KeepaliveInterval = getEnvAsInt("CATSOLLE_KEEPALIVE_INTERVAL_SECS", cfg.SSH.KeepaliveInterval)
	cfg.SSH.HostKeyPolicy = getEnv("CATSOLLE_HOST_KEY_POLICY", cfg.SSH.HostKeyPolicy)
	cfg.Transfer.BufferSizeBytes = getEnvAsInt("CATSOLLE_TRANSFER_BUFFER_BYTES", cfg.Transfer.BufferSizeBytes)
	cfg.Transfer.QueueCapacity = getEnvAsInt("CATSOLLE_TRANSFER_QUEUE_CAPACITY", cfg.Transfer.QueueCapacity)
	cfg.Logging.Level = getEnv("CATSOLLE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("CATSOLLE_LOG_FORMAT", cfg.Logging.Format)
	cfg.Keychain.UseEncryptedFileFallback = getEnvAsBool("CATSOLLE_KEYCHAIN_FALLBACK", cfg.Keychain.UseEncryptedFileFallback)

	return &cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "1" || valueStr == "true" || valueStr == "yes"
}
