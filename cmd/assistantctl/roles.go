package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/roles"
)

func rolesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect role resolution",
	}
	cmd.AddCommand(
		rolesTableCmd(opts),
		rolesResolveCmd(opts),
	)
	return cmd
}

func rolesTableCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "table",
		Short: "Print the role superseding table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := opts.table()
			if err != nil {
				return err
			}
			printTable(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func rolesResolveCmd(opts *globalOptions) *cobra.Command {
	var (
		bankID  string
		bankFor []string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <role>...",
		Short: "Resolve required roles against the roles you hold",
		Long: `Resolve required roles the way an approval does: superseded roles are
dropped, each remaining role is matched exactly or through a broader role you
hold, and bank scoped roles are tied to --bank.

Examples:
  assistantctl roles resolve --roles CanCreateEntitlementAtAnyBank CanCreateEntitlementAtOneBank
  assistantctl roles resolve --bank gh.29.uk --bank-scoped CanCreateBranch CanCreateBranch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := opts.table()
			if err != nil {
				return err
			}
			scopedSet := make(map[string]bool, len(bankFor))
			for _, r := range bankFor {
				scopedSet[r] = true
			}
			required := make([]roles.Requirement, 0, len(args))
			for _, r := range args {
				required = append(required, roles.Requirement{Role: r, RequiresBankID: scopedSet[r]})
			}

			scoped, err := table.Resolve(required, opts.heldRoles(), bankID)
			out := cmd.OutOrStdout()
			if asJSON {
				return printResolutionJSON(out, scoped, err)
			}
			printResolution(out, scoped, err)
			return err
		},
	}
	cmd.Flags().StringVar(&bankID, "bank", "", "Bank the tool call targets")
	cmd.Flags().StringSliceVar(&bankFor, "bank-scoped", nil, "Required roles that are limited to --bank")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the consent request as JSON")
	return cmd
}

func printTable(w io.Writer, table *roles.Table) {
	entries := table.Entries()
	names := make([]string, 0, len(entries))
	for role := range entries {
		names = append(names, role)
	}
	sort.Strings(names)

	for _, role := range names {
		fmt.Fprintf(w, "%s %s %s\n", role, color.HiBlackString("<-"), strings.Join(entries[role], ", "))
	}
}

func printResolution(w io.Writer, scoped []roles.ScopedRole, err error) {
	var unsat *roles.UnsatisfiableRoleError
	if errors.As(err, &unsat) {
		fmt.Fprintf(w, "%s cannot approve: %s\n", color.RedString("✗"), strings.Join(unsat.Roles, ", "))
		return
	}
	if err != nil {
		fmt.Fprintf(w, "%s %v\n", color.RedString("✗"), err)
		return
	}
	if len(scoped) == 0 {
		fmt.Fprintf(w, "%s no roles required\n", color.GreenString("✓"))
		return
	}
	for _, s := range scoped {
		if s.BankID != "" {
			fmt.Fprintf(w, "%s %s %s\n", color.GreenString("✓"), s.Role, color.HiBlackString("@"+s.BankID))
		} else {
			fmt.Fprintf(w, "%s %s\n", color.GreenString("✓"), s.Role)
		}
	}
}

func printResolutionJSON(w io.Writer, scoped []roles.ScopedRole, err error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err != nil {
		var unsat *roles.UnsatisfiableRoleError
		if errors.As(err, &unsat) {
			enc.Encode(map[string]interface{}{"missing_roles": unsat.Roles, "held_roles": unsat.Held})
		}
		return err
	}
	return enc.Encode(consent.NewRequest(scoped))
}
