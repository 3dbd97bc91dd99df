package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"extractflow/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status, preflight checks, and schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				status, err := client.Status(reqCtx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				colorize := shouldColorize(cmd.OutOrStdout())
				fmt.Fprint(cmd.OutOrStdout(), renderDaemonStatus(status, colorize))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func renderDaemonStatus(status *api.DaemonStatus, colorize bool) string {
	var b strings.Builder
	writeLines := func(lines ...string) {
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	writeLines(renderSectionHeader("Daemon", colorize)...)
	if status.Running {
		writeLines(renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d, since %s)", status.PID, formatWhen(status.StartedAt)), colorize))
	} else {
		writeLines(renderStatusLine("Daemon", statusWarn, "not running", colorize))
	}
	writeLines(
		renderStatusLine("Extractor", statusInfo, fmt.Sprintf("%s / %s", status.Provider, status.Model), colorize),
		renderStatusLine("Active batches", statusInfo, fmt.Sprintf("%d", status.ActiveBatches), colorize),
		renderStatusLine("Quality rules", statusInfo, fmt.Sprintf("version %d", status.RuleVersion), colorize),
		renderStatusLine("Database", statusInfo, status.DatabasePath, colorize),
	)

	if len(status.Preflight) > 0 {
		b.WriteByte('\n')
		writeLines(renderSectionHeader("Preflight", colorize)...)
		for _, result := range status.Preflight {
			kind := statusOK
			switch {
			case !result.Passed && result.Optional:
				kind = statusWarn
			case !result.Passed:
				kind = statusError
			}
			writeLines(renderStatusLine(result.Name, kind, result.Detail, colorize))
		}
	}

	if len(status.Schedules) > 0 {
		b.WriteByte('\n')
		writeLines(renderSectionHeader("Schedules", colorize)...)
		for _, sched := range status.Schedules {
			kind := statusInfo
			detail := fmt.Sprintf("%s, next %s", sched.Cron, formatWhen(sched.Next))
			if sched.LastBatchID != "" {
				detail += fmt.Sprintf(", last batch %s", shortID(sched.LastBatchID))
			}
			if sched.LastError != "" {
				kind = statusError
				detail += ": " + sched.LastError
			}
			writeLines(renderStatusLine(sched.Name, kind, detail, colorize))
		}
	}
	return b.String()
}
