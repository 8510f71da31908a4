// Package config loads yagent settings from the YAML settings file and
// YAGENT_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	stdstrings "strings"
	"text/template"
	"time"

	_ "embed"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/settings"
	"github.com/dotcommander/yagent/internal/usage"
)

//go:embed config_template.yml
var configTemplate string

// RunsDir is the directory below the cache path holding the run index.
const RunsDir = "runs"

const (
	appName   = "yagent"
	envPrefix = "YAGENT_"
)

// Model represents a model offered by an API.
type Model struct {
	Name           string   `yaml:"-"`
	API            string   `yaml:"-"`
	Aliases        []string `yaml:"aliases"`
	Fallback       string   `yaml:"fallback"`
	ThinkingBudget int      `yaml:"thinking-budget,omitempty"`
}

// API represents an API endpoint and its models.
type API struct {
	Name      string           `yaml:"-"`
	APIKey    string           `yaml:"api-key"`
	APIKeyEnv string           `yaml:"api-key-env"`
	APIKeyCmd string           `yaml:"api-key-cmd"`
	BaseURL   string           `yaml:"base-url"`
	Models    map[string]Model `yaml:"models"`
	User      string           `yaml:"user"`
}

// APIs keeps the order in which APIs appear in the settings file.
type APIs []API

// UnmarshalYAML implements sorted API YAML decoding.
func (apis *APIs) UnmarshalYAML(node *yaml.Node) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		var api API
		if err := node.Content[i+1].Decode(&api); err != nil {
			return fmt.Errorf("error decoding YAML file: %w", err)
		}
		api.Name = node.Content[i].Value
		*apis = append(*apis, api)
	}
	return nil
}

// MarshalYAML writes the APIs back as a mapping, in order.
func (apis APIs) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, api := range apis {
		var value yaml.Node
		if err := value.Encode(api); err != nil {
			return nil, fmt.Errorf("encode api %s: %w", api.Name, err)
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: api.Name}, &value)
	}
	return node, nil
}

// Settings holds persisted configuration loaded from the YAML settings file
// and environment variables.
type Settings struct {
	API                 string                 `yaml:"default-api" env:"API"`
	Model               string                 `yaml:"default-model" env:"MODEL"`
	System              string                 `yaml:"system" env:"SYSTEM"`
	Role                string                 `yaml:"role" env:"ROLE"`
	Roles               map[string][]string    `yaml:"roles"`
	ModelSettings       settings.ModelSettings `yaml:"model-settings"`
	MaxCompletionTokens int64                  `yaml:"max-completion-tokens" env:"MAX_COMPLETION_TOKENS"`
	Retries             int                    `yaml:"retries" env:"RETRIES"`
	ModelRetries        int                    `yaml:"model-retries" env:"MODEL_RETRIES"`
	ModelRetryBackoff   time.Duration          `yaml:"model-retry-backoff" env:"MODEL_RETRY_BACKOFF"`
	EndStrategy         string                 `yaml:"end-strategy" env:"END_STRATEGY"`
	Limits              usage.Limits           `yaml:"usage-limits"`
	Raw                 bool                   `yaml:"raw" env:"RAW"`
	Quiet               bool                   `yaml:"quiet" env:"QUIET"`
	WordWrap            int                    `yaml:"word-wrap" env:"WORD_WRAP"`
	CachePath           string                 `yaml:"cache-path" env:"CACHE_PATH"`
	NoCache             bool                   `yaml:"no-cache" env:"NO_CACHE"`
	HTTPProxy           string                 `yaml:"http-proxy" env:"HTTP_PROXY"`
	User                string                 `yaml:"user" env:"USER_ID"`
	LogLevel            string                 `yaml:"log-level" env:"LOG_LEVEL"`
	LogFormat           string                 `yaml:"log-format" env:"LOG_FORMAT"`
	APIs                APIs                   `yaml:"apis"`

	MCPServers      map[string]MCPServerConfig `yaml:"mcp-servers"`
	MCPDisable      []string                   `yaml:"mcp-disable" env:"MCP_DISABLE"`
	MCPTimeout      time.Duration              `yaml:"mcp-timeout" env:"MCP_TIMEOUT"`
	MCPNoInheritEnv bool                       `yaml:"mcp-no-inherit-env" env:"MCP_NO_INHERIT_ENV"`
}

// Runtime holds CLI-only options that are never loaded from the settings
// file.
type Runtime struct {
	SettingsPath string
	Prefix       string
	ContinueLast bool
	Continue     string
	Title        string
	Stream       bool
	Show         string
	ShowLast     bool

	CacheReadFromID                   string
	CacheWriteToID, CacheWriteToTitle string
}

// Config is the application configuration (settings + runtime-only options).
//
// Settings fields are promoted for ergonomic access, but runtime fields are
// explicitly excluded from YAML/env parsing.
type Config struct {
	Settings `yaml:",inline"`
	Runtime  `yaml:"-" env:"-"`
}

// MCPServerConfig holds configuration for an MCP server.
type MCPServerConfig struct {
	Type    string   `yaml:"type"`
	Command string   `yaml:"command"`
	Env     []string `yaml:"env"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`
}

// SlogLevel parses the configured log level. An empty level means warn.
func (s Settings) SlogLevel() (slog.Level, error) {
	if s.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return lvl, errs.Wrapf(err, "Invalid log level %q.", s.LogLevel)
	}
	return lvl, nil
}

// Redacted returns a copy of s with literal API keys masked, for display.
func (s Settings) Redacted() Settings {
	apis := make(APIs, len(s.APIs))
	for i, api := range s.APIs {
		if api.APIKey != "" {
			api.APIKey = "********"
		}
		apis[i] = api
	}
	s.APIs = apis
	return s
}

// Ensure loads settings from disk and environment and applies defaults.
//
// It also creates the default settings file if it does not exist.
func Ensure() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errs.Error{Err: err, Reason: "Could not determine home directory."}
	}
	return Load(filepath.Join(home, ".config", appName, appName+".yml"))
}

// Load reads the settings file at path, creating it from the default
// template first when missing.
func Load(path string) (Config, error) {
	c := Default()
	c.SettingsPath = path

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not create config directory."}
	}
	if err := WriteConfigFile(path); err != nil {
		return c, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return c, errs.Error{Err: err, Reason: "Could not read settings file."}
	}
	if err := yaml.Unmarshal(content, &c); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not parse settings file."}
	}
	if err := parseEnv(&c); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not parse environment into settings file."}
	}
	if err := MergeRolesFromDir(&c); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not load roles from roles directory."}
	}

	if c.CachePath == "" {
		c.CachePath = filepath.Join(filepath.Dir(path), "history")
	}
	if err := os.MkdirAll(filepath.Join(c.CachePath, RunsDir), 0o700); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not create cache directory."}
	}
	if _, err := c.SlogLevel(); err != nil {
		return c, err
	}
	return c, nil
}

// parseEnv overlays YAGENT_* variables on c. Model settings come from the
// file only: env descends into nested structs and fails on any optional
// pointer field that is already set.
func parseEnv(c *Config) error {
	ms := c.ModelSettings
	c.ModelSettings = settings.ModelSettings{}
	err := env.ParseWithOptions(c, env.Options{Prefix: envPrefix})
	c.ModelSettings = ms
	return err //nolint:wrapcheck
}

// MergeRolesFromDir merges role definitions from the roles directory next to
// the settings file into cfg. Roles named in the settings file win.
func MergeRolesFromDir(cfg *Config) error {
	rolesDir := filepath.Join(filepath.Dir(cfg.SettingsPath), "roles")
	roles, err := readRolesFromDir(rolesDir)
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		return nil
	}
	if cfg.Roles == nil {
		cfg.Roles = map[string][]string{}
	}
	for name, setup := range roles {
		if _, exists := cfg.Roles[name]; exists {
			continue
		}
		cfg.Roles[name] = setup
	}
	return nil
}

func readRolesFromDir(dir string) (map[string][]string, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read roles directory %q: %w", dir, err)
	}

	roles := map[string][]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ext := stdstrings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".yml" && ext != ".yaml" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("resolve role path %q: %w", path, err)
		}
		name := stdstrings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
		if name == "" {
			return nil
		}
		setup, err := roleSetupFromFile(path)
		if err != nil {
			return fmt.Errorf("role file %q: %w", rel, err)
		}
		roles[name] = setup
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read roles directory %q: %w", dir, err)
	}
	return roles, nil
}

func roleSetupFromFile(path string) ([]string, error) {
	ext := stdstrings.ToLower(filepath.Ext(path))
	if ext != ".yml" && ext != ".yaml" {
		return []string{"file://" + path}, nil
	}

	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role file %q: %w", path, err)
	}
	var setup []string
	if err := yaml.Unmarshal(bts, &setup); err == nil {
		return setup, nil
	}
	var single string
	if err := yaml.Unmarshal(bts, &single); err == nil {
		return []string{single}, nil
	}
	return nil, errors.New("must be a YAML string or string list")
}

// SystemPrompts resolves the configured system prompt and role into the
// system prompt texts the agent is built with.
func (c Config) SystemPrompts(ctx context.Context) ([]string, error) {
	var prompts []string
	if c.System != "" {
		msg, err := LoadPrompt(ctx, c.System)
		if err != nil {
			return nil, errs.Wrap(err, "Could not load the system prompt.")
		}
		prompts = append(prompts, msg)
	}
	if c.Role == "" {
		return prompts, nil
	}
	setup, ok := c.Roles[c.Role]
	if !ok {
		return nil, errs.Wrap(errs.UserErrorf("role %q does not exist", c.Role), "Could not use role.")
	}
	for _, s := range setup {
		msg, err := LoadPrompt(ctx, s)
		if err != nil {
			return nil, errs.Wrapf(err, "Could not load role %q.", c.Role)
		}
		prompts = append(prompts, msg)
	}
	return prompts, nil
}

// WriteConfigFile creates the config file at path if it does not exist.
func WriteConfigFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createConfigFile(path)
	} else if err != nil {
		return errs.Error{Err: err, Reason: "Could not stat path."}
	}
	return nil
}

func createConfigFile(path string) error {
	tmpl := template.Must(template.New("config").Parse(configTemplate))

	f, err := os.Create(path)
	if err != nil {
		return errs.Error{Err: err, Reason: "Could not create configuration file."}
	}
	defer func() { _ = f.Close() }()

	m := struct{ Config Config }{Config: Default()}
	if err := tmpl.Execute(f, m); err != nil {
		return errs.Error{Err: err, Reason: "Could not render template."}
	}
	return nil
}

// Default returns the default configuration values.
func Default() Config {
	return Config{
		Settings: Settings{
			Retries:           1,
			ModelRetries:      2,
			ModelRetryBackoff: 500 * time.Millisecond,
			EndStrategy:       "early",
			Limits:            usage.DefaultLimits(),
			WordWrap:          80,
			LogLevel:          "warn",
			LogFormat:         "text",
			MCPTimeout:        15 * time.Second,
		},
	}
}
