package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"timecapsule/backend/internal/client"
	"timecapsule/backend/internal/domain"
)

// NewFilesCommand 文件管理命令组
func NewFilesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Manage scheduled files",
		Long:  "List, schedule, reschedule, preview, send or delete the scheduled files of the current user.",
	}

	cmd.AddCommand(newFilesListCommand(opts))
	cmd.AddCommand(newFilesGetCommand(opts))
	cmd.AddCommand(newFilesScheduleCommand(opts))
	cmd.AddCommand(newFilesUpdateCommand(opts))
	cmd.AddCommand(newFilesDeleteCommand(opts))
	cmd.AddCommand(newFilesPreviewCommand(opts))
	cmd.AddCommand(newFilesSendCommand(opts))
	cmd.AddCommand(newFilesTriggerCommand(opts))

	return cmd
}

func newFilesListCommand(opts *globalOptions) *cobra.Command {
	var status, search string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List scheduled files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st domain.FileStatus
			if status != "" {
				parsed, err := domain.ParseFileStatus(status)
				if err != nil {
					return err
				}
				st = parsed
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			files, err := opts.client().ListFiles(ctx, st, search)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), files)
			}
			printFiles(cmd, files)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, sent, failed)")
	cmd.Flags().StringVarP(&search, "query", "q", "", "filter by file name or recipient")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")

	return cmd
}

func printFiles(cmd *cobra.Command, files []domain.ScheduledFile) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tRECIPIENT\tSCHEDULED\tSTATUS")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.FileName, f.RecipientEmail, f.ScheduledDate.Local().Format("2006-01-02 15:04"), f.Status)
	}
	w.Flush()
}

func newFilesGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a scheduled file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			file, err := opts.client().GetFile(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), file)
		},
	}
}

func newFilesScheduleCommand(opts *globalOptions) *cobra.Command {
	var recipient, at, name string

	cmd := &cobra.Command{
		Use:   "schedule <path>",
		Short: "Upload a file and schedule its delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseWhen(at)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if name == "" {
				name = filepath.Base(args[0])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			file, err := opts.client().ScheduleFile(ctx, client.ScheduleInput{
				FileName:      name,
				Content:       f,
				Recipient:     recipient,
				ScheduledDate: when,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), file)
		},
	}

	cmd.Flags().StringVar(&recipient, "to", "", "recipient email")
	cmd.Flags().StringVar(&at, "at", "", "delivery time, RFC3339 or a duration from now such as 24h")
	cmd.Flags().StringVar(&name, "name", "", "file name sent to the server (default is the base name of path)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("at")

	return cmd
}

func newFilesUpdateCommand(opts *globalOptions) *cobra.Command {
	var recipient, at string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change recipient and delivery time of a pending file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseWhen(at)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			file, err := opts.client().UpdateFile(ctx, args[0], recipient, when)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), file)
		},
	}

	cmd.Flags().StringVar(&recipient, "to", "", "recipient email")
	cmd.Flags().StringVar(&at, "at", "", "delivery time, RFC3339 or a duration from now")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("at")

	return cmd
}

func newFilesDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a scheduled file and its stored object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := opts.client().DeleteFile(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newFilesPreviewCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <id>",
		Short: "Print a short-lived preview URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			link, err := opts.client().PreviewURL(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), link.URL)
			return nil
		},
	}
}

func newFilesSendCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <id>",
		Short: "Deliver a pending file immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			resp, err := opts.client().SendNow(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newFilesTriggerCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Ask the server to process due files soon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return opts.client().Trigger(ctx)
		},
	}
}

// parseWhen 支持 RFC3339 时间或相对当前时间的时长
func parseWhen(value string) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or a duration such as 24h", value)
}
