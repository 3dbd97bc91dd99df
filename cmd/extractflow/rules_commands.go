package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"extractflow/internal/api"
)

func newRulesCommand(ctx *commandContext) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and replace quality rules",
	}
	rulesCmd.AddCommand(newRulesShowCommand(ctx))
	rulesCmd.AddCommand(newRulesSetCommand(ctx))
	return rulesCmd
}

func newRulesShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active rule document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				rules, err := client.Rules(reqCtx)
				if err != nil {
					return err
				}
				return writeJSON(cmd, rules)
			})
		},
	}
}

func newRulesSetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <file>",
		Short: "Replace the rule document with the contents of a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read rules file: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("rules file %s is not valid JSON", args[0])
			}
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				rules, err := client.SetRules(reqCtx, json.RawMessage(data))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Quality rules updated to version %d (%d active)\n", rules.Version, rules.Active)
				for _, w := range rules.Warnings {
					if w.RuleID != "" {
						fmt.Fprintf(out, "  skipped %s: %s\n", w.RuleID, w.Reason)
					} else {
						fmt.Fprintf(out, "  skipped: %s\n", w.Reason)
					}
				}
				return nil
			})
		},
	}
}
