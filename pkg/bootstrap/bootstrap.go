// Package bootstrap assembles a trionyx installation from the loaded
// configuration. Every binary opens one Env and closes it on exit.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/applog"
	"trionyx/pkg/audit"
	"trionyx/pkg/bus"
	"trionyx/pkg/cache"
	"trionyx/pkg/config"
	"trionyx/pkg/core"
	"trionyx/pkg/db"
	"trionyx/pkg/permissions"
	"trionyx/pkg/renderer"
	"trionyx/pkg/s3"
	"trionyx/pkg/search"
	"trionyx/pkg/site"
	"trionyx/pkg/sysvar"
	"trionyx/pkg/tasks"
	"trionyx/pkg/utils"
)

const logBuffer = 256

// Options select the optional parts of an Env.
type Options struct {
	// Broker connects NATS for task publishing and the shared cache.
	// Without it tasks cannot be queued and the cache is process local.
	Broker bool
	// CaptureLogs persists warnings and errors through applog.
	CaptureLogs bool
}

// Env is an opened installation.
type Env struct {
	Config    config.Config
	Logger    zerolog.Logger
	DB        *gorm.DB
	Site      *site.Site
	Search    *search.Searcher
	Cache     cache.Cache
	Bus       *bus.Bus
	Tasks     *tasks.Runtime
	Variables *sysvar.Store
	Logs      *applog.Store
	Storage   *s3.Client

	pool     *pgxpool.Pool
	stopLogs context.CancelFunc
	logsDone chan struct{}
}

// Open connects the database and, when requested, the broker, then loads
// the core app followed by apps and installs the audit and search hooks.
// apps must not include core.App.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options, apps ...site.App) (*Env, error) {
	env := &Env{Config: cfg, Logger: logger}
	opened := false
	defer func() {
		if !opened {
			_ = env.Close()
		}
	}()

	var err error
	env.DB, err = db.Open(ctx, cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open database: %w", err)
	}
	if opts.CaptureLogs {
		env.Logs = applog.New(env.DB, logBuffer)
		env.Logger = logger.Hook(env.Logs.Hook())
		logsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		env.stopLogs = cancel
		env.logsDone = make(chan struct{})
		go func() {
			defer close(env.logsDone)
			env.Logs.Run(logsCtx)
		}()
	}

	locale, err := utils.NewLocale(cfg.Locale, cfg.Timezone, cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: locale: %w", err)
	}
	values := renderer.New(locale)
	if cfg.S3Endpoint != "" {
		env.Storage, err = s3.New(ctx, s3.Options{
			Endpoint:   cfg.S3Endpoint,
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			PathStyle:  cfg.S3PathStyle,
			PresignTTL: cfg.S3PresignTTL,
		}, env.Logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: storage: %w", err)
		}
		values.SetFileURL(env.Storage.FileURL)
	}

	env.Site = site.New(env.DB, values)
	all := append([]site.App{core.App{}}, apps...)
	if err := env.Site.Load(site.Options{AutoMenu: cfg.AutoMenu, AutoTabs: cfg.AutoTabs}, all...); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if err := env.Site.Models.Install(env.DB); err != nil {
		return nil, fmt.Errorf("bootstrap: registry hooks: %w", err)
	}
	if err := audit.New(env.Site.Models, env.Logger).Install(env.DB); err != nil {
		return nil, fmt.Errorf("bootstrap: audit hooks: %w", err)
	}

	var engine search.Engine
	if cfg.DBDriver == db.DriverPostgres {
		env.pool, err = db.OpenPool(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: search pool: %w", err)
		}
		engine = search.NewPostgres(env.pool, cfg.SearchConfig)
	}
	env.Search = search.New(env.Site.Models, engine, env.Logger)
	if err := env.Search.Install(env.DB); err != nil {
		return nil, fmt.Errorf("bootstrap: search hooks: %w", err)
	}

	var pub tasks.Publisher
	env.Cache = cache.NewMemory()
	if opts.Broker {
		env.Bus, err = bus.New(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect broker: %w", err)
		}
		if err := env.Bus.EnsureStream(cfg.TaskStream, cfg.TaskSubject+".>"); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		env.Cache, err = cache.NewNATS(env.Bus.JetStream(), cfg.CacheBucket, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: cache: %w", err)
		}
		pub = env.Bus
	}
	env.Tasks = tasks.NewRuntime(env.DB, env.Site.Models, env.Site.Tasks, pub, env.Cache, env.Logger, tasks.Options{
		Subject:   cfg.TaskSubject,
		WallLimit: cfg.TaskWallLimit,
		Search:    env.Search,
	})

	env.Variables, err = sysvar.New(env.DB, env.Cache, cfg.VariablesIdentity, env.Logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: system variables: %w", err)
	}
	opened = true
	return env, nil
}

// Migrate applies the framework migrations, creates the tables of every
// registered entity and synchronises the default permissions.
func (e *Env) Migrate(ctx context.Context) error {
	if err := db.Migrate(ctx, e.DB, e.Site.Models.Models()...); err != nil {
		return err
	}
	if err := permissions.Sync(ctx, e.DB, e.Site.Models); err != nil {
		return fmt.Errorf("bootstrap: permissions: %w", err)
	}
	return nil
}

// Ready reports whether the database and, when connected, the broker
// answer.
func (e *Env) Ready(ctx context.Context) error {
	if err := db.Ping(ctx, e.DB); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if e.Bus != nil && !e.Bus.Ready() {
		return errors.New("broker: not connected")
	}
	return nil
}

// Close flushes captured logs and releases every connection.
func (e *Env) Close() error {
	if e.stopLogs != nil {
		e.stopLogs()
		<-e.logsDone
		e.stopLogs = nil
	}
	if e.Bus != nil {
		e.Bus.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.DB != nil {
		return db.Close(e.DB)
	}
	return nil
}
