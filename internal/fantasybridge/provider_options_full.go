//go:build !yagent_small

package fantasybridge

import (
	"charm.land/fantasy"
	fgoogle "charm.land/fantasy/providers/google"
	fopenai "charm.land/fantasy/providers/openai"
	fopenaicompat "charm.land/fantasy/providers/openaicompat"

	"github.com/dotcommander/yagent/internal/settings"
)

func applyProviderOptions(call *fantasy.Call, cfg Config, ms *settings.ModelSettings) {
	openAIOpts := &fopenai.ProviderOptions{}
	hasOpenAIOpts := false

	if cfg.User != "" {
		user := cfg.User
		switch cfg.API {
		case apiOpenAI, apiAzure, apiAzureAD:
			openAIOpts.User = &user
			hasOpenAIOpts = true
		case apiAnthropic, apiGoogle, "openrouter", "vercel", "bedrock":
			// no-op
		default:
			call.ProviderOptions[fopenaicompat.Name] = &fopenaicompat.ProviderOptions{User: &user}
		}
	}

	switch cfg.API {
	case apiOpenAI, apiAzure, apiAzureAD:
		if cfg.MaxCompletionTokens != nil {
			openAIOpts.MaxCompletionTokens = cfg.MaxCompletionTokens
			hasOpenAIOpts = true
		}
		if ms != nil && ms.ParallelToolCalls != nil && len(call.Tools) > 0 {
			openAIOpts.ParallelToolCalls = ms.ParallelToolCalls
			hasOpenAIOpts = true
		}
	}

	if hasOpenAIOpts {
		call.ProviderOptions[fopenai.Name] = openAIOpts
	}

	if cfg.API == apiGoogle && cfg.ThinkingBudget > 0 {
		call.ProviderOptions[fgoogle.Name] = &fgoogle.ProviderOptions{
			ThinkingConfig: &fgoogle.ThinkingConfig{
				ThinkingBudget: fantasy.Opt(int64(cfg.ThinkingBudget)),
			},
		}
	}
}
