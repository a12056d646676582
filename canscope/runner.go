package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"canscope/api"
	"canscope/config"
	"canscope/metrics"
	"canscope/series"
	"canscope/session"
)

const shutdownTimeout = 5 * time.Second

type Runner struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	events  *session.EventBus
	mgr     *session.Manager
}

// NewRunner builds the session manager and creates every configured
// session. A session that fails to start is logged and skipped so the
// monitor still comes up.
func NewRunner(cfg config.Config, log *zap.Logger) (*Runner, error) {
	r := &Runner{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		events:  session.NewEventBus(),
	}
	r.mgr = session.NewManager(session.App{
		Log:      log,
		Observer: session.Observers{session.LogObserver(log), r.events},
		Metrics:  r.metrics,
		Store:    series.NewStore(cfg.SeriesCapacity),
		Tunables: cfg.SessionTunables(),
	})

	for _, sc := range cfg.Sessions {
		if err := r.startSession(sc); err != nil {
			log.Error("session startup failed", zap.String("name", sc.Name), zap.Error(err))
		}
	}
	return r, nil
}

// startSession applies one configured session: databases, filters, then
// connection, frame log and periodic jobs.
func (r *Runner) startSession(sc config.Session) error {
	id, err := r.mgr.Create(session.CreateRequest{Name: sc.Name, Bus: sc.Bus})
	if err != nil {
		return err
	}
	if id == session.NoSession {
		return fmt.Errorf("session name %q already in use", sc.Name)
	}
	s, err := r.mgr.Get(id)
	if err != nil {
		return err
	}

	for _, path := range sc.Databases {
		add := s.AddDatabase
		if sc.Strict {
			add = s.AddDatabaseStrict
		}
		if _, err := add(path); err != nil {
			r.log.Warn("database not loaded", zap.String("session", sc.Name), zap.String("path", path), zap.Error(err))
		}
	}
	for _, f := range sc.Filters {
		if err := s.ConfigureFilter(f.Database, f.Enabled, f.Mode, f.IDs, f.AffectsLogging); err != nil {
			r.log.Warn("filter not applied", zap.String("session", sc.Name), zap.String("database", f.Database), zap.Error(err))
		}
	}
	if !sc.Connect {
		return nil
	}

	if err := s.Connect(); err != nil {
		return err
	}
	if sc.LogPath != "" {
		if err := s.StartLogging(sc.LogPath); err != nil {
			r.log.Warn("frame log not started", zap.String("session", sc.Name), zap.Error(err))
		}
	}
	for _, p := range sc.Periodic {
		if err := r.startPeriodic(s, p); err != nil {
			r.log.Warn("periodic job not started", zap.String("session", sc.Name), zap.String("job", p.ID), zap.Error(err))
		}
	}
	r.log.Info("session started", zap.String("id", id), zap.String("name", sc.Name), zap.Stringer("bus", sc.Bus))
	return nil
}

func (r *Runner) startPeriodic(s *session.Session, p config.Periodic) error {
	if p.Encoded() {
		return s.StartPeriodicEncoded(p.ID, p.Database, p.Message, p.Values, p.PeriodMS)
	}
	f, err := p.Frame()
	if err != nil {
		return err
	}
	return s.StartPeriodic(p.ID, f, p.PeriodMS)
}

// Run serves the monitor until ctx is done or the listener fails.
func (r *Runner) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              r.cfg.Listen,
		Handler:           api.NewRouter(r.mgr, r.events, r.metrics.Handler(), r.log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.log.Info("monitor listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		r.log.Info("shutting down monitor")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Close disconnects every session, stopping workers and frame logs.
func (r *Runner) Close() {
	r.mgr.ShutdownAll()
}
