package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/fortiqa/mcp-orchestrator/internal/domain"
	"github.com/fortiqa/mcp-orchestrator/internal/prompt"
	"github.com/fortiqa/mcp-orchestrator/internal/runworker"
)

// Config holds all application configuration
type Config struct {
	General  GeneralConfig   `toml:"general"`
	Redis    RedisConfig     `toml:"redis"`
	Web      WebConfig       `toml:"web"`
	Prompt   PromptConfig    `toml:"prompt"`
	Sessions []SessionConfig `toml:"sessions"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath     string `toml:"database_path"`
	LogDir           string `toml:"log_dir"`
	RunWorkers       int    `toml:"run_workers"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// RedisConfig holds the fast-store connection settings
type RedisConfig struct {
	Addr string `toml:"addr"`
}

// WebConfig holds the API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// PromptConfig holds the system prompt template seeded into the database
type PromptConfig struct {
	Name     string `toml:"name"`
	Template string `toml:"template"`
}

// SessionConfig describes one remote MCP session endpoint pair
type SessionConfig struct {
	Identifier string `toml:"identifier"`
	ServerURL  string `toml:"server_url"`
	ViewerURL  string `toml:"xpra_url"`
}

// SessionHandles converts the configured sessions into pool handles
func (c *Config) SessionHandles() []domain.Session {
	handles := make([]domain.Session, len(c.Sessions))
	for i, s := range c.Sessions {
		handles[i] = domain.Session{
			Identifier: s.Identifier,
			ServerURL:  s.ServerURL,
			ViewerURL:  s.ViewerURL,
		}
	}
	return handles
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:     filepath.Join(home, ".mcp-orchestrator", "orchestrator.db"),
			LogDir:           filepath.Join(home, ".mcp-orchestrator", "logs"),
			RunWorkers:       runworker.DefaultWorkers,
			LogRetentionDays: 14,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Web: WebConfig{
			Port: 8085,
			Host: "127.0.0.1",
		},
		Prompt: PromptConfig{
			Name:     "Default",
			Template: prompt.DefaultTemplate,
		},
		Sessions: []SessionConfig{
			{
				Identifier: "session-1",
				ServerURL:  "http://localhost:8000/stream",
				ViewerURL:  "http://localhost:14500",
			},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg), nil
		}
		return nil, err
	}

	// Session tables from the file replace the built-in default rather than
	// appending to it.
	defaults := cfg.Sessions
	cfg.Sessions = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if len(cfg.Sessions) == 0 {
		cfg.Sessions = defaults
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LogDir = ExpandPath(cfg.General.LogDir)

	return applyEnv(cfg), nil
}

// applyEnv layers environment overrides on top of file values
func applyEnv(cfg *Config) *Config {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	return cfg
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mcp-orchestrator", "config.toml")
}
