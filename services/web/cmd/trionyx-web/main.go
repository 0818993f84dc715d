package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trionyx/pkg/bootstrap"
	"trionyx/pkg/config"
	"trionyx/pkg/telemetry"
	"trionyx/services/web"
)

const sessionMaxAge = 14 * 24 * 60 * 60

func main() {
	if err := run("trionyx-web"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, "")
	if err != nil {
		return err
	}
	if cfg.SessionSecret == "" || cfg.JWTSigningKey == "" {
		return errors.New("SESSION_SECRET and JWT_SIGNING_KEY are required")
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, telemetry.Options{
		Endpoint:  cfg.OTLPEndpoint,
		LogLevel:  cfg.LogLevel,
		LogFormat: cfg.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	env, err := bootstrap.Open(ctx, cfg, logger, bootstrap.Options{Broker: true, CaptureLogs: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			logger.Error().Err(err).Msg("close environment")
		}
	}()
	if err := env.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}

	srv, err := web.New(web.Deps{
		Site:      env.Site,
		Search:    env.Search,
		Tasks:     env.Tasks,
		Variables: env.Variables,
		Sessions:  store,
		Logger:    env.Logger,
	}, web.Options{
		SigningKey:      []byte(cfg.JWTSigningKey),
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		AllowedOrigins:  cfg.AllowedOrigins,
		TokenRateLimit:  cfg.TokenRateLimit,
		PageSize:        cfg.PageSize,
		Middleware:      middleware,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(env))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Routes())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	env.Logger.Info().Str("addr", server.Addr).Msg("listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		env.Logger.Error().Err(err).Msg("server failed")
		return err
	}

	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readyHandler(env *bootstrap.Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
