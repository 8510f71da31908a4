//go:build yagent_small

package fantasybridge

import (
	"charm.land/fantasy"
	fopenaicompat "charm.land/fantasy/providers/openaicompat"

	"github.com/dotcommander/yagent/internal/settings"
)

func applyProviderOptions(call *fantasy.Call, cfg Config, _ *settings.ModelSettings) {
	if cfg.User == "" {
		return
	}
	user := cfg.User
	call.ProviderOptions[fopenaicompat.Name] = &fopenaicompat.ProviderOptions{User: &user}
}
