package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"timecapsule/backend/internal/client"
	"timecapsule/backend/internal/logger"
)

// globalOptions 所有子命令共享的连接参数
type globalOptions struct {
	server   string
	token    string
	timeout  time.Duration
	logLevel string
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.server, client.WithToken(o.token))
}

func (o *globalOptions) logger() *zap.Logger {
	log, err := logger.NewLogger(logger.Config{Level: o.logLevel, Development: true, Service: "tcctl"})
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// NewRootCommand 创建 tcctl 根命令
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "tcctl",
		Short:         "TimeCapsule command line client",
		Long:          "Schedule files for delayed delivery, inspect their status and operate the dispatch endpoints of a TimeCapsule server.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("TIMECAPSULE_URL", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TIMECAPSULE_TOKEN"), "bearer token (user JWT or service key)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(NewFilesCommand(opts))
	cmd.AddCommand(NewDispatchCommand(opts))
	cmd.AddCommand(NewCronCommand(opts))
	cmd.AddCommand(NewAccessCommand(opts))
	cmd.AddCommand(NewTokenCommand())
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
