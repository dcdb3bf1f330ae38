package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"regionvpn-bot/internal/app"
	"regionvpn-bot/internal/bot"
	"regionvpn-bot/internal/config"
	"regionvpn-bot/internal/logger"
	"regionvpn-bot/internal/worker"
)

var Version = "dev"

// env is built once per invocation by the root command.
type env struct {
	app      *app.App
	notifier worker.Notifier
}

func main() {
	var (
		e      env
		notify bool
	)

	rootCmd := &cobra.Command{
		Use:           "vpnctl",
		Short:         "Operate subscriptions of the region VPN bot",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			zl, err := logger.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, zl)
			if err != nil {
				return err
			}
			e.app = a
			e.notifier = app.LogNotifier{Logger: zl.Named("notify")}
			if notify && cfg.BotToken != "" {
				tg, err := bot.NewBot(cfg.BotToken, nil, bot.NewRenderer(a.Catalog.Regions), bot.Options{}, zl.Named("bot"))
				if err != nil {
					return err
				}
				e.notifier = tg
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVar(&notify, "notify", true, "send Telegram notices to affected users")

	rootCmd.AddCommand(expireCmd(&e))
	rootCmd.AddCommand(revokeCmd(&e))
	rootCmd.AddCommand(sweepCmd(&e))
	rootCmd.AddCommand(retryRegionCmd(&e))
	rootCmd.AddCommand(showCmd(&e))
	rootCmd.AddCommand(userCmd(&e))
	rootCmd.AddCommand(plansCmd(&e))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if e.app != nil {
		if err != nil {
			e.app.Logger.Error("command failed", zap.Error(err))
		}
		e.app.Close()
		_ = e.app.Logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
