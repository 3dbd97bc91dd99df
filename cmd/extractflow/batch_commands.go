package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"extractflow/internal/api"
	"extractflow/internal/manifest"
	"extractflow/internal/runstore"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit and control extraction batches",
	}

	batchCmd.AddCommand(newBatchRunCommand(ctx))
	batchCmd.AddCommand(newBatchListCommand(ctx))
	batchCmd.AddCommand(newBatchShowCommand(ctx))
	batchCmd.AddCommand(newBatchRunsCommand(ctx))
	batchCmd.AddCommand(newBatchDeleteCommand(ctx))
	for _, action := range []string{"start", "pause", "resume", "cancel"} {
		batchCmd.AddCommand(newBatchControlCommand(ctx, action))
	}

	return batchCmd
}

func newBatchRunCommand(ctx *commandContext) *cobra.Command {
	var name string
	var noStart bool
	var wait bool
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Submit a manifest as a new batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			payload, err := m.Inline()
			if err != nil {
				return err
			}
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				submitted, err := client.SubmitBatch(reqCtx, api.SubmitBatchRequest{
					Manifest: string(payload),
					Name:     strings.TrimSpace(name),
					Start:    !noStart,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Submitted batch %s (%d units, %s expected entities)\n",
					submitted.ID, len(m.Units), formatCount(submitted.TotalExpectedEntities))
				if !wait || noStart {
					return nil
				}
				final, err := waitForBatch(reqCtx, client, submitted.ID, pollInterval)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Batch %s finished: %s, matched %s (%s)\n",
					final.ID, final.State, formatMatched(*final), formatRate(final.MatchRate))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Batch name (defaults to the manifest name)")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "Create the batch without starting it")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the batch reaches a terminal state")
	cmd.Flags().DurationVar(&pollInterval, "poll", time.Second, "Status poll interval when waiting")
	return cmd
}

func waitForBatch(ctx context.Context, client *api.Client, id string, interval time.Duration) (*api.Batch, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := client.Batch(ctx, id)
		if err != nil {
			return nil, err
		}
		if runstore.BatchState(detail.Batch.State).IsTerminal() {
			return &detail.Batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newBatchListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				batches, err := client.ListBatches(reqCtx, states...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.BatchListResponse{Batches: batches})
				}
				out := cmd.OutOrStdout()
				if len(batches) == 0 {
					fmt.Fprintln(out, "No batches")
					return nil
				}
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(batches))
				for _, b := range batches {
					rows = append(rows, []string{
						shortID(b.ID),
						b.Name,
						colorState(b.State, colorize),
						formatMatched(b),
						formatRate(b.MatchRate),
						fmt.Sprintf("%d", b.FailedUnits),
						formatWhen(b.CreatedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Name", "State", "Matched", "Rate", "Failed", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by batch state (repeatable)")
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func newBatchShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a batch with its units and token totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				detail, err := client.Batch(reqCtx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, detail)
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderBatchDetail(detail, shouldColorize(out)))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderBatchDetail(detail *api.BatchDetail, colorize bool) string {
	b := detail.Batch
	var sb strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&sb, "%-16s %s\n", label+":", value)
	}
	line("Batch", b.ID)
	if b.Name != "" {
		line("Name", b.Name)
	}
	line("State", colorState(b.State, colorize))
	line("Matched", fmt.Sprintf("%s (%s)", formatMatched(b), formatRate(b.MatchRate)))
	if b.MatchAnomaly {
		line("Anomaly", "matched count exceeded expected; reported value clamped")
	}
	if b.PromptName != "" {
		line("Prompt", fmt.Sprintf("%s@%d", b.PromptName, b.PromptVersion))
	}
	line("Active time", formatDurationMS(b.ActiveDurationMS))
	line("Paused time", formatDurationMS(b.WallClockPausedMS))
	line("Tokens", fmt.Sprintf("%s in / %s out / %s reasoning / %s total",
		formatCount(detail.Tokens.Input), formatCount(detail.Tokens.Output),
		formatCount(detail.Tokens.Reasoning), formatCount(detail.Tokens.Total)))
	if len(detail.RunCounts) > 0 {
		states := make([]string, 0, len(detail.RunCounts))
		for state := range detail.RunCounts {
			states = append(states, state)
		}
		sort.Strings(states)
		parts := make([]string, 0, len(states))
		for _, state := range states {
			parts = append(parts, fmt.Sprintf("%s=%d", colorState(state, colorize), detail.RunCounts[state]))
		}
		line("Runs", strings.Join(parts, " "))
	}
	if b.ErrorMessage != "" {
		line("Error", b.ErrorMessage)
	}

	if len(detail.Units) > 0 {
		rows := make([][]string, 0, len(detail.Units))
		var expected int64
		for _, u := range detail.Units {
			expected += int64(u.ExpectedCount)
			outcome := u.Outcome
			if outcome == "" {
				outcome = "-"
			}
			rows = append(rows, []string{
				fmt.Sprintf("%d", u.Ordinal),
				u.Name,
				fmt.Sprintf("%d", u.ExpectedCount),
				colorState(outcome, colorize),
				shortID(u.FinalRunID),
			})
		}
		sb.WriteByte('\n')
		sb.WriteString(renderTable(
			[]string{"#", "Unit", "Expected", "Outcome", "Final run"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft},
			"", "Total", formatCount(expected),
		))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func newBatchRunsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "runs <id>",
		Short: "List every extraction run of a batch, retries included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				runs, err := client.Runs(reqCtx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.RunListResponse{Runs: runs})
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs")
					return nil
				}
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					parent := "-"
					if r.ParentRunID != "" {
						parent = shortID(r.ParentRunID)
					}
					tokens := formatTokens(r.TotalTokens)
					if r.TokenAnomaly {
						tokens += "*"
					}
					rows = append(rows, []string{
						shortID(r.ID),
						shortID(r.UnitID),
						parent,
						fmt.Sprintf("%d", r.Attempt),
						colorState(r.State, colorize),
						fmt.Sprintf("%d", r.MatchedCount),
						fmt.Sprintf("%d", r.ViolationCount),
						tokens,
						r.ErrorMessage,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Run", "Unit", "Parent", "Attempt", "State", "Matched", "Violations", "Tokens", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func newBatchControlCommand(ctx *commandContext, action string) *cobra.Command {
	titled := strings.ToUpper(action[:1]) + action[1:]
	return &cobra.Command{
		Use:   action + " <id>",
		Short: titled + " a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				b, err := client.Control(reqCtx, args[0], action)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s is now %s\n", b.ID, b.State)
				return nil
			})
		},
	}
}

func newBatchDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a pending or finished batch and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				if err := client.DeleteBatch(reqCtx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted batch %s\n", args[0])
				return nil
			})
		},
	}
}
