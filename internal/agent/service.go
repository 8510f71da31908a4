package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/go-shellwords"
	xstrings "github.com/charmbracelet/x/exp/strings"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/fantasybridge"
	"github.com/dotcommander/yagent/internal/mcp"
	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/tools"
)

// ModelFactory creates the model for a resolved provider configuration.
type ModelFactory func(fantasybridge.Config) (model.Model, error)

// Service builds text agents from the settings: it resolves the configured
// model, authenticates its provider and exposes MCP servers as tools.
//
// It is UI-agnostic; the CLI is one caller.
type Service struct {
	cfg      *config.Config
	mcp      *mcp.Service
	logger   *slog.Logger
	newModel ModelFactory
}

// NewService creates an agent service. An optional factory replaces the
// fantasy-backed model.
func NewService(cfg *config.Config, mcpSvc *mcp.Service, logger *slog.Logger, factory ...ModelFactory) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if mcpSvc == nil {
		mcpSvc = mcp.New(cfg, logger)
	}
	newModel := func(c fantasybridge.Config) (model.Model, error) {
		m, err := fantasybridge.New(c)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		return m, nil
	}
	if len(factory) > 0 && factory[0] != nil {
		newModel = factory[0]
	}
	return &Service{cfg: cfg, mcp: mcpSvc, logger: logger, newModel: newModel}
}

// Session is an agent built from the settings together with the MCP
// connections its tools use.
type Session struct {
	Agent *Agent[string]
	// Model is the model runs use. It changes when a run falls back.
	Model config.Model

	svc     *Service
	toolset *mcp.Toolset
}

// Open resolves the model and builds the agent.
func (s *Service) Open(ctx context.Context) (*Session, error) {
	cfg := s.cfg
	api, mod, err := resolveModel(cfg)
	if err != nil {
		return nil, err
	}
	// Keep runtime cfg in sync with resolved model.
	cfg.API = mod.API
	cfg.Model = mod.Name

	m, err := s.modelFor(ctx, api, mod)
	if err != nil {
		return nil, err
	}
	prompts, err := cfg.SystemPrompts(ctx)
	if err != nil {
		return nil, err
	}

	sess := &Session{Model: mod, svc: s}
	var extra []tools.Tool
	if len(cfg.MCPServers) > 0 {
		sess.toolset, err = s.mcp.Open(ctx)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		extra, err = sess.toolset.Tools()
		if err != nil {
			_ = sess.Close()
			return nil, errs.Wrap(err, "Could not load MCP tools.")
		}
	}

	end := EndStrategy(cfg.EndStrategy)
	if end == "" {
		end = EndEarly
	}
	opts := []Option{
		WithName(mod.API + "/" + mod.Name),
		WithSystemPrompt(prompts...),
		WithTools(extra...),
		WithRetries(cfg.Retries),
		WithModelRetries(cfg.ModelRetries, cfg.ModelRetryBackoff),
		WithEndStrategy(end),
		WithUsageLimits(cfg.Limits),
		WithLogger(s.logger),
	}
	ms := cfg.ModelSettings
	opts = append(opts, WithModelSettings(&ms))

	sess.Agent, err = New[string](m, opts...)
	if err != nil {
		_ = sess.Close()
		return nil, errs.Wrap(err, "Could not create the agent.")
	}
	return sess, nil
}

// Close releases the MCP connections.
func (s *Session) Close() error {
	if s.toolset == nil {
		return nil
	}
	return s.toolset.Close()
}

// Run runs the agent on prompt, continuing history. A missing model is
// retried once with its fallback and an oversized prompt once cut down.
// Errors are returned as errs.Error.
func (s *Session) Run(ctx context.Context, prompt string, history []proto.Message) (*RunResult[string], error) {
	res, err := s.Agent.Run(ctx, prompt, WithMessageHistory(history))
	if err == nil {
		return res, nil
	}
	act := s.svc.ActionForRunError(err, s.Model, prompt)
	if !act.Retry {
		return nil, act.Err
	}
	opts, err := s.retryOptions(ctx, act, history)
	if err != nil {
		return nil, err
	}
	s.svc.logger.Info("retrying run", "reason", act.Err.Reason, "model", s.Model.Name)
	res, err = s.Agent.Run(ctx, act.Prompt, opts...)
	if err != nil {
		return nil, s.svc.ActionForRunError(err, s.Model, act.Prompt).Err
	}
	return res, nil
}

// RunStream is Run with a streamed final result. Only errors raised before
// the result starts streaming are retried.
func (s *Session) RunStream(ctx context.Context, prompt string, history []proto.Message) (*StreamedRunResult[string], error) {
	res, err := s.Agent.RunStream(ctx, prompt, WithMessageHistory(history))
	if err == nil {
		return res, nil
	}
	act := s.svc.ActionForRunError(err, s.Model, prompt)
	if !act.Retry {
		return nil, act.Err
	}
	opts, err := s.retryOptions(ctx, act, history)
	if err != nil {
		return nil, err
	}
	s.svc.logger.Info("retrying run", "reason", act.Err.Reason, "model", s.Model.Name)
	res, err = s.Agent.RunStream(ctx, act.Prompt, opts...)
	if err != nil {
		return nil, s.svc.ActionForRunError(err, s.Model, act.Prompt).Err
	}
	return res, nil
}

func (s *Session) retryOptions(ctx context.Context, act RunErrorAction, history []proto.Message) ([]RunOption, error) {
	opts := []RunOption{WithMessageHistory(history)}
	if act.ModelOverride == "" {
		return opts, nil
	}

	cfg := *s.svc.cfg
	cfg.API = s.Model.API
	cfg.Model = act.ModelOverride
	api, mod, err := resolveModel(&cfg)
	if err != nil {
		return nil, errors.Join(act.Err, err)
	}
	m, err := s.svc.modelFor(ctx, api, mod)
	if err != nil {
		return nil, err
	}
	s.Model = mod
	return append(opts, WithModel(m)), nil
}

func (s *Service) modelFor(ctx context.Context, api config.API, mod config.Model) (model.Model, error) {
	providerCfg, err := prepareProviderConfig(ctx, mod, api, s.cfg)
	if err != nil {
		return nil, err
	}
	if err := ApplyProxyConfig(s.cfg.HTTPProxy, &providerCfg); err != nil {
		return nil, err
	}
	providerCfg.Logger = s.logger
	m, err := s.newModel(providerCfg)
	if err != nil {
		return nil, errs.Wrapf(err, "Could not create the %s client.", mod.API)
	}
	return m, nil
}

func resolveModel(cfg *config.Config) (config.API, config.Model, error) {
	for _, api := range cfg.APIs {
		if api.Name != cfg.API && cfg.API != "" {
			continue
		}
		name := cfg.Model
		for candidate, mod := range api.Models {
			if candidate == cfg.Model || slices.Contains(mod.Aliases, cfg.Model) {
				name = candidate
				break
			}
		}
		mod, ok := api.Models[name]
		if ok {
			mod.Name = name
			mod.API = api.Name
			return api, mod, nil
		}
		if cfg.API != "" {
			available := make([]string, 0, len(api.Models))
			for name := range api.Models {
				available = append(available, name)
			}
			slices.Sort(available)
			return config.API{}, config.Model{}, errs.Error{
				Err:    errs.UserErrorf("Available models are: %s", xstrings.EnglishJoin(available, true)),
				Reason: fmt.Sprintf("The API endpoint %s does not contain the model %s", cfg.API, cfg.Model),
			}
		}
	}

	return config.API{}, config.Model{}, errs.Error{
		Reason: fmt.Sprintf("Model %s is not in the settings file.", cfg.Model),
		Err:    errs.UserErrorf("Please specify an API endpoint with --api or configure the model in the settings: yagent config path"),
	}
}

type keySource struct {
	env      string
	docs     string
	name     string
	optional bool
}

var keySources = map[string]keySource{
	"openai":     {env: "OPENAI_API_KEY", docs: "https://platform.openai.com/account/api-keys", name: "OpenAI"},
	"anthropic":  {env: "ANTHROPIC_API_KEY", docs: "https://console.anthropic.com/settings/keys", name: "Anthropic"},
	"google":     {env: "GOOGLE_API_KEY", docs: "https://aistudio.google.com/app/apikey", name: "Google"},
	"azure":      {env: "AZURE_OPENAI_KEY", docs: "https://aka.ms/oai/access", name: "Azure"},
	"azure-ad":   {env: "AZURE_OPENAI_KEY", docs: "https://aka.ms/oai/access", name: "Azure"},
	"openrouter": {env: "OPENROUTER_API_KEY", docs: "https://openrouter.ai/keys", name: "OpenRouter"},
	"vercel":     {env: "VERCEL_API_KEY", docs: "https://vercel.com/dashboard/tokens", name: "Vercel AI Gateway"},
	"bedrock":    {name: "Bedrock", optional: true},
	"ollama":     {name: "Ollama", optional: true},
}

func prepareProviderConfig(ctx context.Context, mod config.Model, api config.API, cfg *config.Config) (fantasybridge.Config, error) {
	src, ok := keySources[mod.API]
	if !ok {
		src = keySource{env: "OPENAI_API_KEY", docs: "https://platform.openai.com/account/api-keys", name: mod.API}
	}

	key, err := apiKey(ctx, api)
	if err != nil {
		return fantasybridge.Config{}, errs.Wrapf(err, "%s authentication failed", src.name)
	}
	if key == "" && src.env != "" {
		key = os.Getenv(src.env)
	}
	if key == "" && !src.optional {
		return fantasybridge.Config{}, errs.Error{
			Reason: fmt.Sprintf("%s required; set %s or update %s.", src.env, src.env, cfg.SettingsPath),
			Err:    errs.UserErrorf("You can grab one at %s", src.docs),
		}
	}

	baseURL := api.BaseURL
	if mod.API == "ollama" && baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	user := cfg.User
	if api.User != "" {
		user = api.User
	}
	pc := fantasybridge.Config{
		API:            mod.API,
		Model:          mod.Name,
		BaseURL:        baseURL,
		APIKey:         key,
		ThinkingBudget: mod.ThinkingBudget,
		User:           user,
	}
	if cfg.MaxCompletionTokens > 0 {
		v := cfg.MaxCompletionTokens
		pc.MaxCompletionTokens = &v
	}
	return pc, nil
}

// ApplyProxyConfig configures the provider HTTP client to use an HTTP proxy.
func ApplyProxyConfig(httpProxy string, providerCfg *fantasybridge.Config) error {
	if httpProxy == "" {
		return nil
	}
	proxyURL, err := url.Parse(httpProxy)
	if err != nil {
		return errs.Error{Err: err, Reason: "There was an error parsing your proxy URL."}
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return errs.Error{Err: errors.New("default transport is not *http.Transport"), Reason: "Could not configure proxy."}
	}
	tr := base.Clone()
	tr.Proxy = http.ProxyURL(proxyURL)
	tr.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 30 * time.Second
	tr.IdleConnTimeout = 90 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second
	providerCfg.HTTPClient = &http.Client{Transport: tr}
	return nil
}

// apiKey reads the key configured for api: the literal key, its env var or
// the output of its command, in that order. It returns "" when none is set.
func apiKey(ctx context.Context, api config.API) (string, error) {
	key := api.APIKey
	if key == "" && api.APIKeyEnv != "" && api.APIKeyCmd == "" {
		key = os.Getenv(api.APIKeyEnv)
	}
	if key == "" && api.APIKeyCmd != "" {
		args, err := shellwords.Parse(api.APIKeyCmd)
		if err != nil {
			return "", errs.Error{Err: err, Reason: "Failed to parse api-key-cmd"}
		}
		if len(args) == 0 {
			return "", errs.Error{Err: errs.UserErrorf("empty api-key-cmd"), Reason: "Failed to parse api-key-cmd"}
		}
		// #nosec G204 -- api-key-cmd is explicitly configured by the local user.
		out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		if err != nil {
			return "", errs.Error{Err: err, Reason: "Cannot exec api-key-cmd"}
		}
		key = strings.TrimSpace(string(out))
	}
	return key, nil
}
