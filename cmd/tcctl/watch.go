package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	authjwt "timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/client"
)

// NewWatchCommand 订阅实时变更并在本地保持文件列表
func NewWatchCommand(opts *globalOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow delivery results of the current user",
		Long:  "Keep a local file list in sync through the realtime channel, print a notice for every delivery outcome and ask the server to process files that are already due.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := tokenUser(opts.token)
			if err != nil {
				return err
			}
			log := opts.logger()
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			api := opts.client()
			refresh := client.NewRefresher()
			defer refresh.Close()

			list := client.NewFileList(api, userID, log)
			checker := client.NewPendingChecker(list, api, refresh, client.PendingCheckerOptions{Interval: interval}, log)
			listener := client.NewRealtimeListener(api.BaseURL(), refresh, func(n client.Notification) {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", time.Now().Format("15:04:05"), n.Title, n.Message)
			}, client.RealtimeOptions{}, log)
			listener.SetUser(ctx, userID, opts.token)
			defer listener.Stop()

			events := refresh.Subscribe(ctx)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return checker.Run(gctx) })
			g.Go(func() error {
				refetch := func() {
					if err := list.Refetch(gctx); err != nil {
						if gctx.Err() == nil {
							log.Warn("file list refresh failed", zap.Error(err))
						}
						return
					}
					printFiles(cmd, list.Snapshot())
				}
				refetch()
				for {
					select {
					case <-gctx.Done():
						return nil
					case _, ok := <-events:
						if !ok {
							return nil
						}
						refetch()
					}
				}
			})
			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", client.DefaultCheckInterval, "interval between due checks")

	return cmd
}

// tokenUser 读取令牌中的用户标识，不校验签名
func tokenUser(token string) (string, error) {
	if token == "" {
		return "", errors.New("watch requires a user token (--token or TIMECAPSULE_TOKEN)")
	}
	var claims authjwt.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.IsService() {
		return "", errors.New("watch requires a user token, got a service token")
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject == "" {
		return "", errors.New("token carries no user id")
	}
	return claims.Subject, nil
}
