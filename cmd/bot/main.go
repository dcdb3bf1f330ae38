package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"regionvpn-bot/internal/app"
	"regionvpn-bot/internal/bot"
	"regionvpn-bot/internal/config"
	"regionvpn-bot/internal/httpapi"
	"regionvpn-bot/internal/logger"
	"regionvpn-bot/internal/utils"
	"regionvpn-bot/internal/worker"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Could not init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("service stopped with error", zap.Error(err))
	}
	zl.Info("service stopped")
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer a.Close()

	machine := a.Machine()
	tg, err := bot.NewBot(cfg.BotToken, machine, bot.NewRenderer(a.Catalog.Regions), bot.Options{
		CommandCooldown:  cfg.CommandCooldown,
		CallbackCooldown: cfg.CallbackCooldown,
	}, zl.Named("bot"))
	if err != nil {
		return err
	}

	allow, err := utils.NewAllowList(cfg.AllowedYooIp)
	if err != nil {
		return err
	}
	srv, err := httpapi.NewServer(machine, tg, httpapi.Options{
		YooKassaAllowList: allow,
		TrustedProxies:    cfg.TrustedProxies,
		CryptoBotToken:    cfg.CryptoBotToken,
		Checks:            a.Checks(),
	}, zl.Named("http"))
	if err != nil {
		return err
	}

	sweeper := a.Sweeper(tg)
	reminder := a.Reminder(tg)
	scheduler := worker.NewScheduler(ctx, zl.Named("scheduler"))
	if err := scheduler.Every("sweep", cfg.SweepInterval, func(ctx context.Context) error {
		_, err := sweeper.RunOnce(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.Every("reminder", cfg.ReminderInterval, func(ctx context.Context) error {
		_, err := reminder.RunOnce(ctx)
		return err
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	zl.Info("service started", zap.String("http_addr", cfg.HTTPAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPAddr) })
	g.Go(func() error { return tg.Start(gctx) })
	return g.Wait()
}
