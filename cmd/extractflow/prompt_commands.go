package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"extractflow/internal/api"
)

func newPromptCommand(ctx *commandContext) *cobra.Command {
	promptCmd := &cobra.Command{
		Use:   "prompt",
		Short: "Manage versioned extraction prompts",
	}
	promptCmd.AddCommand(newPromptListCommand(ctx))
	promptCmd.AddCommand(newPromptAddCommand(ctx))
	promptCmd.AddCommand(newPromptActivateCommand(ctx))
	return promptCmd
}

func newPromptListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List prompts and their versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				prompts, err := client.Prompts(reqCtx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.PromptListResponse{Prompts: prompts})
				}
				out := cmd.OutOrStdout()
				if len(prompts) == 0 {
					fmt.Fprintln(out, "No prompts")
					return nil
				}
				rows := make([][]string, 0)
				for _, p := range prompts {
					for _, v := range p.Versions {
						active := ""
						if p.Active && v.Index == p.ActiveVersion {
							active = "*"
						}
						rows = append(rows, []string{
							p.Name,
							strconv.Itoa(v.Index),
							active,
							v.Author,
							formatWhen(v.CreatedAt),
							v.Notes,
						})
					}
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Prompt", "Version", "Active", "Author", "Created", "Notes"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &asJSON)
	return cmd
}

func newPromptAddCommand(ctx *commandContext) *cobra.Command {
	var req api.AddPromptRequest
	var file string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new prompt version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(file) != "" {
				if req.Content != "" {
					return fmt.Errorf("--file and --content are mutually exclusive")
				}
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read prompt file: %w", err)
				}
				req.Content = string(data)
			}
			if strings.TrimSpace(req.Name) == "" {
				return fmt.Errorf("--name is required")
			}
			if strings.TrimSpace(req.Content) == "" {
				return fmt.Errorf("prompt content is empty; pass --file or --content")
			}
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				version, err := client.AddPrompt(reqCtx, req)
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("Stored %s version %d", req.Name, version.Index)
				if req.Activate {
					msg += " (active)"
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Prompt name")
	cmd.Flags().StringVar(&file, "file", "", "Read prompt content from a file")
	cmd.Flags().StringVar(&req.Content, "content", "", "Prompt content")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "Version notes")
	cmd.Flags().StringVar(&req.Author, "author", "", "Version author")
	cmd.Flags().BoolVar(&req.Activate, "activate", false, "Activate the new version")
	return cmd
}

func newPromptActivateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <name> [version]",
		Short: "Activate a prompt version (latest when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := 0
			if len(args) == 2 {
				parsed, err := strconv.Atoi(args[1])
				if err != nil || parsed < 1 {
					return fmt.Errorf("invalid version %q", args[1])
				}
				version = parsed
			}
			return ctx.withClient(cmd, func(reqCtx context.Context, client *api.Client) error {
				if err := client.ActivatePrompt(reqCtx, args[0], version); err != nil {
					return err
				}
				if version == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Activated latest version of %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Activated %s version %d\n", args[0], version)
				}
				return nil
			})
		},
	}
}
