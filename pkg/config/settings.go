package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/TheEterna/real-agent-sub001/pkg/approval"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/memory"
	"github.com/TheEterna/real-agent-sub001/pkg/orchestrator"
	"github.com/TheEterna/real-agent-sub001/pkg/security"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

const EnvPrefix = "reactd"

type OrchestratorSettings struct {
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
}

type ToolSettings struct {
	ApprovalMode     string        `mapstructure:"approval_mode" yaml:"approval_mode"`
	ApprovalTimeout  time.Duration `mapstructure:"approval_timeout" yaml:"approval_timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" yaml:"execution_timeout"`
}

type StreamSettings struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

type MemorySettings struct {
	Policy        string `mapstructure:"policy" yaml:"policy"`
	TriggerTokens int    `mapstructure:"trigger_tokens" yaml:"trigger_tokens"`
	TokenCounter  string `mapstructure:"token_counter" yaml:"token_counter"`
}

type ProviderSettings struct {
	// Name selects the chat provider: openai or fixtures.
	Name        string  `mapstructure:"name" yaml:"name"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"`
	Model       string  `mapstructure:"model" yaml:"model"`
	TitleModel  string  `mapstructure:"title_model" yaml:"title_model"`
	Temperature float32 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	// AllowLocalBaseURL accepts http and private-network base URLs, for
	// self-hosted OpenAI-compatible servers.
	AllowLocalBaseURL bool `mapstructure:"allow_local_base_url" yaml:"allow_local_base_url"`
	// Fixture is the script replayed by the fixtures provider.
	Fixture string `mapstructure:"fixture" yaml:"fixture"`
}

type StoreSettings struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type ServerSettings struct {
	Address string `mapstructure:"address" yaml:"address"`
	// EventTopic is the watermill topic every turn event is mirrored to.
	EventTopic string `mapstructure:"event_topic" yaml:"event_topic"`
}

// Settings is the full deployment configuration.
type Settings struct {
	Orchestrator OrchestratorSettings `mapstructure:"orchestrator" yaml:"orchestrator"`
	Tools        ToolSettings         `mapstructure:"tools" yaml:"tools"`
	Stream       StreamSettings       `mapstructure:"stream" yaml:"stream"`
	Memory       MemorySettings       `mapstructure:"memory" yaml:"memory"`
	Provider     ProviderSettings     `mapstructure:"provider" yaml:"provider"`
	Store        StoreSettings        `mapstructure:"store" yaml:"store"`
	Server       ServerSettings       `mapstructure:"server" yaml:"server"`
}

// SetDefaults registers every key so that environment overrides resolve
// during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.max_iterations", orchestrator.DefaultMaxIterations)
	v.SetDefault("tools.approval_mode", string(tools.ApprovalModeAuto))
	v.SetDefault("tools.approval_timeout", approval.DefaultTimeout)
	v.SetDefault("tools.execution_timeout", tools.DefaultExecutionTimeout)
	v.SetDefault("stream.buffer_size", events.DefaultStreamBufferSize)
	v.SetDefault("memory.policy", string(memory.PolicySummary))
	v.SetDefault("memory.trigger_tokens", 4000)
	v.SetDefault("memory.token_counter", "heuristic")
	v.SetDefault("provider.name", "openai")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.allow_local_base_url", false)
	v.SetDefault("provider.model", "gpt-4o-mini")
	v.SetDefault("provider.title_model", "")
	v.SetDefault("provider.temperature", 0.2)
	v.SetDefault("provider.max_tokens", 0)
	v.SetDefault("provider.fixture", "")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.event_topic", events.DefaultTopic)
}

// NewViper returns a viper instance with defaults and REACTD_* environment
// overrides, e.g. REACTD_TOOLS_APPROVAL_MODE.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the settings. Without an
// explicit file, reactd.yaml is looked up in the usual places and may be
// absent.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	} else {
		v.SetConfigName("reactd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.reactd")
		v.AddConfigPath("/etc/reactd")
		if xdg, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(xdg, "reactd"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	if s.Orchestrator.MaxIterations <= 0 {
		return errors.Errorf("orchestrator.max_iterations must be positive, got %d", s.Orchestrator.MaxIterations)
	}
	if _, err := tools.ParseApprovalMode(s.Tools.ApprovalMode); err != nil {
		return errors.Wrap(err, "tools.approval_mode")
	}
	if s.Tools.ApprovalTimeout <= 0 {
		return errors.New("tools.approval_timeout must be positive")
	}
	if s.Tools.ExecutionTimeout <= 0 {
		return errors.New("tools.execution_timeout must be positive")
	}
	if s.Stream.BufferSize < 2 {
		return errors.Errorf("stream.buffer_size must be at least 2, got %d", s.Stream.BufferSize)
	}
	if _, err := memory.ParsePolicy(s.Memory.Policy); err != nil {
		return errors.Wrap(err, "memory.policy")
	}
	if s.Memory.TriggerTokens < 0 {
		return errors.New("memory.trigger_tokens must not be negative")
	}
	if err := security.ValidateBaseURL(s.Provider.BaseURL, security.BaseURLPolicy{AllowLocal: s.Provider.AllowLocalBaseURL}); err != nil {
		return errors.Wrap(err, "provider.base_url")
	}
	switch strings.ToLower(s.Memory.TokenCounter) {
	case "", "heuristic", "tiktoken":
	default:
		return errors.Errorf("memory.token_counter: unknown counter %q", s.Memory.TokenCounter)
	}
	return nil
}

// ToolConfig converts the tool section for the dispatcher.
func (s *Settings) ToolConfig() tools.Config {
	mode, _ := tools.ParseApprovalMode(s.Tools.ApprovalMode)
	return tools.DefaultConfig().
		WithApprovalMode(mode).
		WithApprovalTimeout(s.Tools.ApprovalTimeout).
		WithExecutionTimeout(s.Tools.ExecutionTimeout)
}

func (s *Settings) MemoryPolicy() memory.PolicyData {
	p, _ := memory.ParsePolicy(s.Memory.Policy)
	return memory.PolicyData{Policy: p, TriggerTokens: s.Memory.TriggerTokens}
}
