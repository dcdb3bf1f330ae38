// Package app assembles the engine from configuration. Both the bot service
// and vpnctl start here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"regionvpn-bot/internal/config"
	"regionvpn-bot/internal/database"
	"regionvpn-bot/internal/flow"
	"regionvpn-bot/internal/httpapi"
	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/outline"
	"regionvpn-bot/internal/payment"
	"regionvpn-bot/internal/provisioning"
	"regionvpn-bot/internal/region"
	"regionvpn-bot/internal/remnawave"
	"regionvpn-bot/internal/repository"
	"regionvpn-bot/internal/worker"
	"regionvpn-bot/internal/xray"
)

type App struct {
	Config      *config.Config
	Catalog     *config.Catalog
	Logger      *zap.Logger
	DB          *gorm.DB
	Redis       *redis.Client
	Repo        *repository.Repository
	Regions     *region.Registry
	Payments    *payment.Registry
	Coordinator *provisioning.Coordinator

	closers []func() error
}

// New connects to Postgres and Redis, syncs the catalog and builds every
// configured backend and gateway.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Catalog: catalog, Logger: logger}

	db, err := database.ConnectPostgres(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	rdb, err := database.ConnectRedis(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Redis = rdb
	a.closers = append(a.closers, rdb.Close)

	a.Repo = repository.New(db)
	plans, packages := catalog.Models()
	if err := a.Repo.SyncCatalog(ctx, plans, packages); err != nil {
		a.Close()
		return nil, fmt.Errorf("sync catalog: %w", err)
	}

	regions, closers, err := BuildRegions(catalog)
	a.closers = append(a.closers, closers...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Regions = regions
	a.Payments = BuildPayments(cfg)
	a.Coordinator = provisioning.New(a.Repo, regions, Policy(cfg), logger.Named("provisioning"))

	logger.Info("engine ready",
		zap.Int("plans", len(plans)),
		zap.Int("packages", len(packages)),
		zap.Strings("regions", regions.Codes()),
		zap.Any("payment_methods", a.Payments.Methods()),
	)
	return a, nil
}

// BuildRegions creates one backend per catalog region. The returned closers
// release gRPC connections.
func BuildRegions(catalog *config.Catalog) (*region.Registry, []func() error, error) {
	reg := region.NewRegistry()
	var closers []func() error

	for _, rc := range catalog.Regions {
		var backend region.Backend
		switch rc.Kind {
		case config.BackendRemnawave:
			client := remnawave.NewClient(rc.Remnawave.URL, rc.Remnawave.APIKey)
			backend = remnawave.NewBackend(client, rc.Remnawave.SquadID)
		case config.BackendOutline:
			backend = outline.NewBackend(outline.NewClient(rc.Outline.APIURL, rc.Outline.CertSHA256))
		case config.BackendXray:
			client, err := xray.Dial(rc.Xray.APIAddr)
			if err != nil {
				return nil, closers, fmt.Errorf("region %s: %w", rc.Code, err)
			}
			closers = append(closers, client.Close)
			backend = xray.NewBackend(client, xray.Inbound{
				Tag:        rc.Xray.InboundTag,
				PublicHost: rc.Xray.PublicHost,
				Port:       rc.Xray.Port,
				SNI:        rc.Xray.SNI,
				PublicKey:  rc.Xray.PublicKey,
				ShortID:    rc.Xray.ShortID,
				Flow:       rc.Xray.Flow,
			})
		default:
			return nil, closers, fmt.Errorf("region %s: unknown backend kind %q", rc.Code, rc.Kind)
		}
		if err := reg.Register(rc.Code, backend); err != nil {
			return nil, closers, err
		}
	}
	return reg, closers, nil
}

// BuildPayments registers the gateways that have credentials. A method
// without credentials is simply not offered.
func BuildPayments(cfg *config.Config) *payment.Registry {
	var gateways []payment.Gateway
	if cfg.CryptoBotToken != "" {
		client := payment.NewCryptoBotClient(cfg.CryptoBotToken, cfg.CryptoBotTestnet)
		gateways = append(gateways, payment.NewCryptoBot(client, cfg.YookassaReturnURL))
	}
	if cfg.YookassaShopID != "" && cfg.YookassaKey != "" {
		client := payment.NewClient(cfg.YookassaShopID, cfg.YookassaKey, cfg.YookassaReturnURL)
		gateways = append(gateways, payment.NewYooKassa(client))
	}
	return payment.NewRegistry(gateways...)
}

func Policy(cfg *config.Config) provisioning.Policy {
	p := provisioning.DefaultPolicy()
	if cfg.IssueAttempts > 0 {
		p.Attempts = cfg.IssueAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		p.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.CallTimeout > 0 {
		p.CallTimeout = cfg.CallTimeout
	}
	if cfg.StaleClaimAfter > 0 {
		p.RevokeClaimTTL = cfg.StaleClaimAfter
	}
	return p
}

func (a *App) Machine() *flow.Machine {
	store := flow.NewRedisStore(a.Redis, a.Config.FlowTTL)
	return flow.NewMachine(a.Repo, a.Payments, a.Coordinator, store, flow.Options{StatusTimeout: a.Config.CallTimeout}, a.Logger.Named("flow"))
}

func (a *App) Sweeper(notifier worker.Notifier) *worker.Sweeper {
	cfg := worker.SweepConfig{StaleAfter: a.Config.StaleClaimAfter}
	return worker.NewSweeper(a.Repo, a.Coordinator, notifier, cfg, a.Logger.Named("sweeper"))
}

func (a *App) Reminder(notifier worker.Notifier) *worker.Reminder {
	return worker.NewReminder(a.Repo, a.Redis, notifier, a.Config.ReminderWindow, a.Logger.Named("reminder"))
}

// Checks are the dependency probes served on /healthz.
func (a *App) Checks() map[string]httpapi.Check {
	return map[string]httpapi.Check{
		"postgres": a.Repo.Ping,
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("close failed", zap.Error(err))
	}
}

// LogNotifier stands in for the bot where no chat transport runs.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) NotifyExpired(_ context.Context, sub models.Subscription) error {
	n.Logger.Info("expiry notice not sent", zap.Uint("subscription_id", sub.ID), zap.Int64("telegram_id", sub.User.TelegramID))
	return nil
}

func (n LogNotifier) NotifyExpiring(_ context.Context, sub models.Subscription) error {
	n.Logger.Info("reminder not sent", zap.Uint("subscription_id", sub.ID), zap.Int64("telegram_id", sub.User.TelegramID))
	return nil
}
