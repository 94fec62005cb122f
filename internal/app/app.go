// Package app initializes and holds the long-lived gateway services, acting
// as the dependency injection container for cmd/poolgate.
package app

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/accounts"
	"github.com/poolgate/poolgate/internal/api"
	"github.com/poolgate/poolgate/internal/artifacts"
	"github.com/poolgate/poolgate/internal/auth"
	"github.com/poolgate/poolgate/internal/balance"
	"github.com/poolgate/poolgate/internal/challenge"
	"github.com/poolgate/poolgate/internal/checkin"
	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/config"
	"github.com/poolgate/poolgate/internal/failover"
	"github.com/poolgate/poolgate/internal/gateway"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/notify"
	"github.com/poolgate/poolgate/internal/pool"
	"github.com/poolgate/poolgate/internal/schedule"
	"github.com/poolgate/poolgate/internal/session"
	"github.com/poolgate/poolgate/internal/site"
)

// App holds the shared, long-lived services. It is initialized once at
// startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      accounts.Store
	session    *session.Manager
	challenges *challenge.Cache
	failover   *failover.Controller
	pool       *pool.Pool
	router     *gateway.Router
	validator  *auth.Validator
	dashboard  *auth.Dashboard
	events     *notify.Memory
	pubsubCli  *pubsub.Client
	checkin    *checkin.Service
	balance    *balance.Service
	scheduler  *schedule.Scheduler
	server     *api.Server
}

// New wires every service from the configuration. It fails fast if any
// critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clk := clock.NewSystem()

	sites, err := cfg.SiteList()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger}

	if a.store, err = newAccountStore(ctx, cfg.Accounts, logger, clk); err != nil {
		return nil, fmt.Errorf("initialize account store: %w", err)
	}

	artifactStore, err := newArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("initialize artifact store: %w", err)
	}

	a.session = session.NewManager(session.Config{
		UserAgent:         cfg.Session.UserAgent,
		NavigationTimeout: cfg.Session.NavigationTimeout,
		SettleWait:        cfg.Session.SettleWait,
		MaxAge:            cfg.Session.MaxAge,
		ProxyURL:          cfg.Session.ProxyURL,
	}, logger.Named("session"), clk, artifactStore)

	a.challenges = challenge.NewCache(a.session, challenge.Config{
		TTL:              cfg.Challenge.TTL,
		PreRefreshWindow: cfg.Challenge.PreRefreshWindow,
		SolveTimeout:     cfg.Challenge.SolveTimeout,
	}, logger.Named("challenge"), clk)

	a.events = notify.NewMemory(logger.Named("notify"), cfg.Notify.MemoryEvents)
	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize notifier: %w", err)
	}

	prober := failover.NewCollyProber(failover.ProberConfig{
		UserAgent: cfg.Session.UserAgent,
		Timeout:   cfg.Failover.ProbeTimeout,
	})
	a.failover, err = failover.NewController(sites, failover.Config{
		RecoverySuccesses: cfg.Failover.RecoverySuccesses,
		ProbeInterval:     cfg.Failover.ProbeInterval,
	}, prober, notifier, logger.Named("failover"), clk)
	if err != nil {
		return nil, fmt.Errorf("initialize failover: %w", err)
	}

	a.pool = pool.New(a.store, pool.Config{
		MaxConsecutiveFails: cfg.Pool.MaxConsecutiveFails,
		CooldownDuration:    cfg.Pool.CooldownDuration,
	}, logger.Named("pool"), clk)

	classifier := gateway.NewClassifier(gateway.Signatures{
		AuthStatuses:        cfg.Gateway.AuthStatuses,
		CapacityStatuses:    cfg.Gateway.CapacityStatuses,
		CapacityBodyMarkers: cfg.Gateway.CapacityBodyMarkers,
		BlockedContentTypes: cfg.Gateway.BlockedContentTypes,
	})
	a.router = gateway.NewRouter(gateway.Config{
		MaxAccountRetries:    cfg.Gateway.MaxAccountRetries,
		InitialRetryInterval: cfg.Gateway.InitialRetryInterval,
		MaxRetryInterval:     cfg.Gateway.MaxRetryInterval,
		UpstreamTimeout:      cfg.Gateway.UpstreamTimeout,
		MaxBodyBytes:         cfg.Gateway.MaxBodyBytes,
		APIUserHeader:        cfg.Gateway.APIUserHeader,
	}, nil, a.pool, a.challenges, a.failover, classifier, logger.Named("gateway"))

	if a.validator, err = newValidator(cfg.Auth, logger); err != nil {
		return nil, fmt.Errorf("initialize key validation: %w", err)
	}

	if cfg.Dashboard.Enabled {
		a.dashboard, err = auth.NewDashboard(auth.DashboardConfig{
			Username:   cfg.Dashboard.Username,
			Password:   cfg.Dashboard.Password,
			SigningKey: cfg.Dashboard.SigningKey,
		}, clk)
		if err != nil {
			return nil, fmt.Errorf("initialize dashboard auth: %w", err)
		}
	}

	a.checkin = checkin.NewService(checkin.Config{
		SignInPath:    cfg.Checkin.SignInPath,
		UserInfoPath:  cfg.Checkin.UserInfoPath,
		APIUserHeader: cfg.Gateway.APIUserHeader,
	}, nil, a.store, a.challenges, a.failover, notifier, logger.Named("checkin"), clk)

	a.balance = balance.NewService(balance.Config{
		UserInfoPath:  cfg.Checkin.UserInfoPath,
		APIUserHeader: cfg.Gateway.APIUserHeader,
		WarnBelowUSD:  cfg.Balance.WarnBelowUSD,
	}, nil, a.store, a.challenges, a.failover, notifier, logger.Named("balance"), clk)

	a.scheduler = schedule.New(schedule.Config{
		CheckinSpec:          cfg.Checkin.CronSpec,
		ProbeInterval:        cfg.Failover.ProbeInterval,
		PreRefreshInterval:   cfg.Challenge.RefreshInterval,
		SessionSweepInterval: cfg.Session.SweepInterval,
		BalanceInterval:      cfg.Balance.Interval,
	}, a.buildJobs(sites), logger.Named("schedule"))

	a.server = api.NewServer(api.Config{
		Prefix:       cfg.Gateway.Prefix,
		OpsRateLimit: cfg.Server.OpsRateLimit,
	}, api.Deps{
		Proxy:      http.HandlerFunc(a.router.Forward),
		ClientAuth: a.validator.Middleware,
		Accounts:   a.store,
		Pool:       a.pool,
		Challenges: a.challenges,
		Failover:   a.failover,
		Session:    a.session,
		Checkin:    a.checkin,
		Balance:    a.balance,
		KeyCache:   a.validator,
		Dashboard:  dashboardOrNil(a.dashboard),
		Events:     a.events,
	}, logger.Named("api"))

	return a, nil
}

// dashboardOrNil keeps the api.Deps nil check honest: a typed nil pointer
// inside the interface would still register the routes.
func dashboardOrNil(d *auth.Dashboard) api.DashboardAuth {
	if d == nil {
		return nil
	}
	return d
}

func newAccountStore(ctx context.Context, cfg config.AccountsConfig, logger *zap.Logger, clk clock.Clock) (accounts.Store, error) {
	switch cfg.Backend {
	case "file":
		return accounts.NewFileStore(cfg.FilePath, logger.Named("accounts"), clk)
	case "postgres":
		return accounts.NewPostgresStore(ctx, accounts.PostgresStoreConfig{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.ConnLife,
		})
	default:
		return nil, fmt.Errorf("unknown accounts backend: %s", cfg.Backend)
	}
}

func newArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (artifacts.Store, error) {
	switch cfg.Backend {
	case "local":
		return artifacts.NewLocal(artifacts.LocalConfig{BaseDir: cfg.BaseDir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return artifacts.NewGCS(client, artifacts.GCSConfig{Bucket: cfg.Bucket})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown artifacts backend: %s", cfg.Backend)
	}
}

func newValidator(cfg config.AuthConfig, logger *zap.Logger) (*auth.Validator, error) {
	var checker auth.KeyChecker
	switch cfg.Mode {
	case "static":
		checker = auth.NewStaticKeys(cfg.Keys)
	case "remote":
		remote, err := auth.NewRemoteChecker(auth.RemoteCheckerConfig{
			URL: cfg.ValidationURL,
		}, logger.Named("keycheck"))
		if err != nil {
			return nil, err
		}
		checker = remote
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
	return auth.NewValidator(checker, auth.ValidatorConfig{
		CacheTTL:  cfg.CacheTTL,
		CacheSize: cfg.CacheSize,
	}, logger.Named("auth"))
}

// buildNotifier returns the memory publisher, fanned out to Pub/Sub when
// configured.
func (a *App) buildNotifier(ctx context.Context) (notify.Publisher, error) {
	if !a.cfg.Notify.PubSubEnabled {
		return a.events, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.pubsubCli = client
	ps, err := notify.NewPubSub(client.Topic(a.cfg.Notify.TopicName))
	if err != nil {
		return nil, err
	}
	return notify.NewFanout(a.events, ps), nil
}

// buildJobs binds the periodic jobs to the wired services. The session sweep
// proactively restarts an over-age browser so the next solve is not delayed
// by a restart.
func (a *App) buildJobs(sites []site.Site) schedule.Jobs {
	jobs := schedule.Jobs{
		ProbePrimary: a.failover.CheckPrimary,
		PreRefresh: func(context.Context) {
			a.challenges.RefreshExpiring(sites)
		},
		SessionSweep: func(ctx context.Context) {
			if !a.session.Alive() || a.session.Age() < a.cfg.Session.MaxAge {
				return
			}
			if err := a.session.Restart(ctx); err != nil {
				a.logger.Warn("scheduled session restart failed", zap.Error(err))
			}
		},
		CollectBalance: func(ctx context.Context) {
			if _, err := a.balance.Collect(ctx); err != nil {
				a.logger.Warn("balance collection failed", zap.Error(err))
			}
		},
	}
	if a.cfg.Checkin.Enabled {
		jobs.Checkin = func(ctx context.Context) {
			if _, err := a.checkin.RunAll(ctx); err != nil {
				a.logger.Warn("check-in run failed", zap.Error(err))
			}
		}
	}
	return jobs
}

// Handler returns the composed HTTP surface.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Start launches the background scheduler.
func (a *App) Start() error {
	return a.scheduler.Start()
}

// Close gracefully shuts down all services.
func (a *App) Close() {
	a.scheduler.Stop()
	a.session.Close()
	a.store.Close()
	if a.pubsubCli != nil {
		if err := a.pubsubCli.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
}
