// Package app wires the Stay Hi server runtime: config, logging, persistence, mail and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"stayhi/cmd/identity"
	authapi "stayhi/cmd/internal/auth/api"
	"stayhi/cmd/internal/auth/flow"
	"stayhi/cmd/internal/auth/session"
	"stayhi/cmd/internal/metrics"
	"stayhi/cmd/internal/notify"
	"stayhi/cmd/internal/sl"
	"stayhi/cmd/internal/web"
)

// App is the Stay Hi server runtime: it owns the store, the HTTP handler and the server lifecycle.
type App struct {
	cfg Config
	log Logger

	store   identity.AdminStore
	metrics *metrics.Metrics
	handler http.Handler
}

type options struct {
	store  identity.AdminStore
	sender notify.Sender
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

// WithStore uses st instead of opening cfg.DB. The App takes ownership and closes it.
func WithStore(st identity.AdminStore) Option {
	return func(o *options) { o.store = st }
}

// WithSender uses s instead of the configured mail transport.
func WithSender(s notify.Sender) Option {
	return func(o *options) { o.sender = s }
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		st, err = OpenStore(ctx, cfg.DB, log)
		if err != nil {
			return nil, err
		}
	}

	a, err := build(cfg, log, st, o.sender)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg Config, log Logger, st identity.AdminStore, sender notify.Sender) (*App, error) {
	m := metrics.New()

	codec, err := session.NewCodec(cfg.Session)
	if err != nil {
		return nil, err
	}

	if sender == nil {
		sender, err = notify.NewSender(cfg.Mail, cfg.Env, log)
		if err != nil {
			return nil, err
		}
	}

	hasher, err := linkHasher(cfg.Session)
	if err != nil {
		return nil, err
	}

	ctrl, err := flow.New(st, codec, sender, hasher, flow.Config{
		MagicLinkTTL:  cfg.MagicLinkTTL,
		TxTimeout:     cfg.TxTimeout,
		PublicBaseURL: cfg.PublicBaseURL,
	}, flow.WithLogger(log), flow.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	auth, err := authapi.NewHandler(log, ctrl, cfg.API, authapi.WithAuditor(st))
	if err != nil {
		return nil, err
	}

	site, err := web.New(cfg.WebRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: web root: %v", ErrConfig, err)
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		metrics: m,
		handler: newRouter(routerDeps{
			log:     log,
			cfg:     cfg,
			auth:    auth,
			site:    site,
			metrics: m,
			ready:   storeReadiness(st.Ping),
		}),
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Close releases the store.
func (a *App) Close() error { return a.store.Close() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
// The store is closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.log.Error("store.close.fail", sl.Err(err))
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"env", a.cfg.Env,
		"db_driver", a.cfg.DB.Driver,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", sl.Err(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", sl.Err(err))
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// runtimeBaseURL is a clickable local URL for a listen address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
