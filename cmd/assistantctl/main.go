// Package main provides assistantctl, a terminal client for the banking
// assistant backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/banking-assistant/internal/config"
	"github.com/capitalize-ai/banking-assistant/internal/roles"
)

var version = "0.1.0"

// globalOptions are shared by every subcommand.
type globalOptions struct {
	cfg       *config.Config
	token     string
	roles     []string
	roleTable string
	logLevel  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{cfg: config.Load()}

	cmd := &cobra.Command{
		Use:     "assistantctl",
		Short:   "Terminal client for the banking assistant",
		Version: version,
		Long: `assistantctl talks to the assistant backend directly: it streams replies,
prompts for tool call approvals and obtains scoped consents for approved calls.

The backend and consent issuer URLs default to BACKEND_URL and
CONSENT_ISSUER_URL. The user token defaults to ASSISTANT_TOKEN.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("ASSISTANT_TOKEN"), "User bearer token")
	cmd.PersistentFlags().StringSliceVar(&opts.roles, "roles", nil, "Roles you hold (default: read from the token)")
	cmd.PersistentFlags().StringVar(&opts.roleTable, "role-table", opts.cfg.RoleTableFile, "YAML or JSON role superseding table")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")

	cmd.AddCommand(
		chatCmd(opts),
		rolesCmd(opts),
	)
	return cmd
}

func (o *globalOptions) table() (*roles.Table, error) {
	if o.roleTable == "" {
		return roles.DefaultTable(), nil
	}
	return roles.LoadTable(o.roleTable)
}

// heldRoles returns the --roles flag, or the roles claimed by the token.
// The consent issuer enforces the real set.
func (o *globalOptions) heldRoles() []string {
	if len(o.roles) > 0 {
		return o.roles
	}
	if c := o.tokenClaims(); c != nil {
		return c.Roles
	}
	return nil
}
