package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/present"
)

func roleNames(cfg *config.Config, prefix string) []string {
	roles := make([]string, 0, len(cfg.Roles))
	for role := range cfg.Roles {
		if strings.HasPrefix(role, prefix) {
			roles = append(roles, role)
		}
	}
	slices.Sort(roles)
	return roles
}

func newRolesCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the roles from the settings and the roles directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			for _, role := range roleNames(&rt.cfg, "") {
				s := role
				if role == rt.cfg.Role {
					s += present.StdoutStyles().Timeago.Render(" (default)")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}
