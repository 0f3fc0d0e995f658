// Package config loads nanoclaw's runtime policy from a YAML file layered
// with environment variable overrides (spec §4.8).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram  TelegramConfig            `yaml:"telegram"`
	Policy    PolicyConfig              `yaml:"policy"`
	Chats     map[string]ChatDefinition `yaml:"chats"`
	Web       WebConfig                 `yaml:"web"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	IPC       IPCConfig                 `yaml:"ipc"`
	Router    RouterConfig              `yaml:"router"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowFrom  []int64 `yaml:"allow_from"`
	MainChatID int64   `yaml:"main_chat_id"`
}

// PolicyConfig is the Policy & Config module of spec §4.8.
type PolicyConfig struct {
	MaxConcurrentSandboxes int           `yaml:"max_concurrent_sandboxes"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	ContainerTimeout       time.Duration `yaml:"container_timeout"`
	MaxAttempts            int           `yaml:"max_attempts"`
	AssistantName          string        `yaml:"assistant_name"`
	Timezone               string        `yaml:"timezone"`
	MountAllowlist         []string      `yaml:"mount_allowlist"`
	SecretEnvAllowlist     []string      `yaml:"secret_env_allowlist"`
	Image                  string        `yaml:"image"`
	Model                  string        `yaml:"model"`
	AnthropicAPIKey        string        `yaml:"anthropic_api_key"`
	OAuthToken             string        `yaml:"oauth_token"`
	VaultPassphrase        string        `yaml:"vault_passphrase"`
	ShutdownGrace          time.Duration `yaml:"shutdown_grace"`
}

const (
	DataBasePath = "data/groups"
	StorePath    = "data/nanoclaw.db"
)

// ChatDefinition is the per-folder override block a registered chat may
// carry (spec §3 RegisteredChat.container_config).
type ChatDefinition struct {
	TriggerPhrase   string            `yaml:"trigger_phrase"`
	RequiresTrigger *bool             `yaml:"requires_trigger"`
	Workspace       string            `yaml:"workspace"`
	Image           string            `yaml:"image"`
	Model           string            `yaml:"model"`
	Env             map[string]string `yaml:"env"`
	Secrets         []string          `yaml:"secrets"`
	ExtraMounts     []string          `yaml:"extra_mounts"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RouterConfig's PollInterval backs a fallback poll loop for a transport
// that cannot push inbound events itself. Telegram's long-polling already
// satisfies freshness without it, so nothing currently starts this loop;
// it is wired up the day a push-incapable transport lands.
type RouterConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type IPCConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Dir          string        `yaml:"dir"`
}

func defaults() Config {
	return Config{
		Policy: PolicyConfig{
			MaxConcurrentSandboxes: 2,
			IdleTimeout:            5 * time.Minute,
			ContainerTimeout:       30 * time.Minute,
			MaxAttempts:            3,
			AssistantName:          "Andy",
			Timezone:               "UTC",
			Image:                  "nanoclaw-sandbox:latest",
			Model:                  "claude-opus-4-6",
			ShutdownGrace:          15 * time.Second,
		},
		Web: WebConfig{
			Enabled: false,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 60 * time.Second,
		},
		IPC: IPCConfig{
			PollInterval: 500 * time.Millisecond,
			Dir:          "data/ipc",
		},
		Router: RouterConfig{
			PollInterval: 2 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("NANOCLAW_CONFIG")
	if path == "" {
		path = "config/nanoclaw.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env.
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	for name, def := range cfg.Chats {
		if def.Workspace == "" {
			def.Workspace = name
			cfg.Chats[name] = def
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate enforces the idle/hard-wall ordering invariant from the
// REDESIGN FLAG: IdleTimeout must stay strictly below ContainerTimeout,
// otherwise the hard wall always fires first and an idle sandbox is
// force-killed instead of getting its stdin closed and finalizing.
func validate(cfg *Config) error {
	if cfg.Policy.IdleTimeout >= cfg.Policy.ContainerTimeout {
		return fmt.Errorf("policy.idle_timeout (%s) must be less than policy.container_timeout (%s)",
			cfg.Policy.IdleTimeout, cfg.Policy.ContainerTimeout)
	}
	if cfg.Policy.MaxConcurrentSandboxes < 1 {
		return fmt.Errorf("policy.max_concurrent_sandboxes must be at least 1")
	}
	if cfg.Policy.MaxAttempts < 1 {
		return fmt.Errorf("policy.max_attempts must be at least 1")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NANOCLAW_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Policy.AnthropicAPIKey = v
	}
	if v := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); v != "" {
		cfg.Policy.OAuthToken = v
	}
	if v := os.Getenv("NANOCLAW_VAULT_PASSPHRASE"); v != "" {
		cfg.Policy.VaultPassphrase = v
	}
	if v := os.Getenv("NANOCLAW_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("NANOCLAW_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("NANOCLAW_ASSISTANT_NAME"); v != "" {
		cfg.Policy.AssistantName = v
	}
	if v := os.Getenv("NANOCLAW_AGENT_MODEL"); v != "" {
		cfg.Policy.Model = v
	}
	if v := os.Getenv("NANOCLAW_MAX_CONCURRENT_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.MaxConcurrentSandboxes = n
		}
	}
}
