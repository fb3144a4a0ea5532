// Package config provides configuration management for the tgacp gateway.
// It supports loading configuration from environment variables, an optional
// config file, and defaults, with fail-fast validation of required values.
package config

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentNamePattern restricts agent names to filesystem- and shell-safe characters.
// The provisioner deletes files by this prefix, so the rule is load-bearing.
var AgentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Config holds all configuration for the gateway.
type Config struct {
	// BotToken is the Telegram bot token. Required.
	BotToken string `mapstructure:"botToken"`

	// WorkspaceBasePath is the directory under which per-topic workspaces
	// are created as <base>/<user_id>/<topic_id>.
	WorkspaceBasePath string `mapstructure:"workspaceBasePath"`

	// MaxProcesses caps the number of concurrent agent subprocesses. Must be >= 1.
	MaxProcesses int `mapstructure:"maxProcesses"`

	// IdleTimeoutSeconds is how long an idle subprocess may live before the
	// reaper kills it. Must be >= 0.
	IdleTimeoutSeconds int `mapstructure:"idleTimeoutSeconds"`

	// AgentCommand is the agent CLI binary to spawn (must be on PATH).
	AgentCommand string `mapstructure:"agentCommand"`

	// AgentName selects the agent config the CLI runs with. Required,
	// >= 3 characters, matching AgentNamePattern.
	AgentName string `mapstructure:"agentName"`

	// AgentConfigPath is the template directory synced into the agent
	// CLI's home config on startup.
	AgentConfigPath string `mapstructure:"agentConfigPath"`

	// DBPath is the SQLite session database file.
	DBPath string `mapstructure:"dbPath"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"logLevel"`

	// LogDir enables rotating file logs when set.
	LogDir string `mapstructure:"logDir"`

	// AllowedUserIDs is the Telegram user allowlist. Empty denies everyone.
	AllowedUserIDs []int64 `mapstructure:"allowedUserIds"`
}

// IdleTimeout returns the idle reap interval as a duration. Zero disables
// the reaper.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// IsUserAllowed reports whether a Telegram user id is in the allowlist.
func (c *Config) IsUserAllowed(userID int64) bool {
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspaceBasePath", "./workspaces")
	v.SetDefault("maxProcesses", 5)
	v.SetDefault("idleTimeoutSeconds", 300)
	v.SetDefault("agentCommand", "kiro-cli")
	v.SetDefault("agentConfigPath", "./agent-config")
	v.SetDefault("dbPath", "./tgacp.db")
	v.SetDefault("logLevel", "info")
	v.SetDefault("logDir", "")
}

// Load reads configuration from the environment (TGACP_* variables) and an
// optional config file, applies defaults, and validates. The config file is
// looked up as tgacp.yaml in the working directory unless path is given.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TGACP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind explicitly so env vars work without a config file present.
	for _, key := range []string{
		"botToken", "workspaceBasePath", "maxProcesses", "idleTimeoutSeconds",
		"agentCommand", "agentName", "agentConfigPath", "dbPath",
		"logLevel", "logDir", "allowedUserIds",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("tgacp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			// No config file — env vars and defaults only.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Allowlist may arrive as a comma-separated env string.
	if raw := v.GetString("allowedUserIds"); raw != "" && len(cfg.AllowedUserIDs) == 0 {
		ids, err := parseIDList(raw)
		if err != nil {
			return nil, fmt.Errorf("TGACP_ALLOWEDUSERIDS: %w", err)
		}
		cfg.AllowedUserIDs = ids
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(part, "%d", &id); err != nil {
			return nil, fmt.Errorf("not an integer: %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks required fields and value ranges. It returns the first
// problem found; startup should treat any error as fatal.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("botToken is required (TGACP_BOTTOKEN)")
	}

	name := strings.TrimSpace(c.AgentName)
	if name == "" {
		return fmt.Errorf("agentName is required (TGACP_AGENTNAME)")
	}
	if len(name) < 3 {
		return fmt.Errorf("agentName must be >= 3 characters, got %q", name)
	}
	if !AgentNamePattern.MatchString(name) {
		return fmt.Errorf("agentName must match ^[a-zA-Z0-9_-]+$, got %q", name)
	}

	if c.MaxProcesses < 1 {
		return fmt.Errorf("maxProcesses must be >= 1, got %d", c.MaxProcesses)
	}
	if c.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idleTimeoutSeconds must be >= 0, got %d", c.IdleTimeoutSeconds)
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("logLevel must be one of debug, info, warn, error; got %q", c.LogLevel)
	}

	return nil
}

// ValidateAgentCLI checks startup prerequisites beyond plain config values:
// the agent CLI binary is on PATH and the config template contains the
// agent's JSON definition. The workspace directory is created by the caller.
func (c *Config) ValidateAgentCLI() error {
	if _, err := exec.LookPath(c.AgentCommand); err != nil {
		return fmt.Errorf("agent CLI not found on PATH: %s", c.AgentCommand)
	}
	return nil
}
