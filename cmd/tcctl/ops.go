package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	authjwt "timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/config"
)

// NewDispatchCommand 调用 /send-scheduled-file
func NewDispatchCommand(opts *globalOptions) *cobra.Command {
	var fileID string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the dispatcher once",
		Long:  "Call the dispatch endpoint. Without --file every due pending file is processed; with --file only that record is delivered.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			resp, err := opts.client().Dispatch(ctx, fileID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&fileID, "file", "", "deliver a single file by id")

	return cmd
}

// NewCronCommand 调用 /cron-scheduler
func NewCronCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cron",
		Short: "Run one poller cycle on the server",
		Long:  "Call the cron endpoint. Requires a service token.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			resp, err := opts.client().RunCron(ctx)
			if resp != nil {
				if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

// NewAccessCommand 解析公开访问令牌
func NewAccessCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "access <token>",
		Short: "Resolve a public access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			result, err := opts.client().Access(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

// NewTokenCommand 使用本地配置的 JWT 密钥签发令牌
func NewTokenCommand() *cobra.Command {
	var userID, email, subject string
	var service bool
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token signed with the configured JWT secret",
		Long:  "Issue a user token pair or a service token. Reads the JWT settings from the same environment and config file as the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			tokens := authjwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry, cfg.JWT.RefreshExpiry)

			if service {
				token, err := tokens.GenerateServiceToken(subject, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}

			if userID == "" {
				userID = uuid.NewString()
			}
			pair, err := tokens.GenerateTokenPair(userID, email)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"userId": userID,
				"tokens": pair,
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (default is a new UUID)")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().BoolVar(&service, "service", false, "issue a service token instead of a user token pair")
	cmd.Flags().StringVar(&subject, "subject", "tcctl", "subject of the service token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "service token lifetime")

	return cmd
}

