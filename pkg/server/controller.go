package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/botpulse/pkg/compaction"
	"github.com/nicktill/botpulse/pkg/config"
	"github.com/nicktill/botpulse/pkg/export"
	"github.com/nicktill/botpulse/pkg/loghub"
	"github.com/nicktill/botpulse/pkg/query"
	"github.com/nicktill/botpulse/pkg/sampler"
	"github.com/nicktill/botpulse/pkg/server/monitor"
	"github.com/nicktill/botpulse/pkg/storage"
)

// ErrAlreadyStarted is returned by a second call to Start
var ErrAlreadyStarted = errors.New("controller already started")

// Deps are the collaborators a Controller runs
type Deps struct {
	Config *config.Config
	Store  storage.Storage
	Hub    *loghub.Hub
	Source sampler.Source

	// Disk reports usage of a local store directory (optional)
	Disk *monitor.StorageMonitor

	// CORSOrigins enables CORS for these origins (optional)
	CORSOrigins []string

	StartedAt time.Time
	Logger    *zap.Logger
}

// Controller owns the long-running tasks: sampler, prune and compaction loops,
// badger GC and the HTTP server.
type Controller struct {
	cfg       *config.Config
	store     storage.Storage
	hub       *loghub.Hub
	sampler   *sampler.Sampler
	compactor *compaction.Compactor
	api       *API
	router    *mux.Router
	server    *http.Server
	logger    *zap.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	listener net.Listener

	stopOnce sync.Once
	stopErr  error
}

// New wires a controller. Nothing runs until Start.
func New(deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	cfg := deps.Config

	smp := sampler.New(deps.Source, deps.Store, sampler.Config{Interval: cfg.CollectionInterval}, logger.Named("sampler"))
	engine := query.New(deps.Store, query.Config{
		Budget:    cfg.HistoryBudget,
		StartedAt: deps.StartedAt,
		MemoryPercent: func() (float64, bool) {
			r, ok := smp.Last()
			if !ok || r.MemoryPercent == nil {
				return 0, false
			}
			return *r.MemoryPercent, true
		},
	}, logger.Named("query"))

	c := &Controller{
		cfg:     cfg,
		store:   deps.Store,
		hub:     deps.Hub,
		sampler: smp,
		router:  mux.NewRouter(),
		logger:  logger,
	}

	c.api = &API{
		Engine:    engine,
		Hub:       deps.Hub,
		Store:     deps.Store,
		Sampler:   smp,
		Export:    export.NewHandler(deps.Store, deps.Config.Retention(), logger.Named("export")),
		Prune:     monitor.NewTaskMonitor("prune", 2*config.PruneInterval),
		Disk:      deps.Disk,
		StartedAt: deps.StartedAt,
		Logger:    logger.Named("http"),
	}
	if cfg.Compression {
		c.compactor = compaction.New(deps.Store, compaction.Config{
			ThresholdAge: config.CompactionAge,
			Width:        config.CompactionWidth,
		}, logger.Named("compaction"))
		c.api.Compaction = monitor.NewTaskMonitor("compaction", 2*config.CompactionInterval)
	}
	c.api.Routes(c.router, deps.CORSOrigins...)

	// WriteTimeout stays zero so log streams are not cut off
	c.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           c.router,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return c
}

// Handler returns the HTTP handler serving every route
func (c *Controller) Handler() http.Handler {
	return c.router
}

// Addr returns the address the server listens on once started
func (c *Controller) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return c.server.Addr
	}
	return c.listener.Addr().String()
}

// Start binds the listener and launches every task. It returns once they are running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", c.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.server.Addr, err)
	}
	c.listener = ln
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		return c.sampler.Run(gctx)
	})
	g.Go(func() error {
		return RunPrune(gctx, c.store, Schedule{
			Interval:   config.PruneInterval,
			MaxRetries: 3,
			BaseDelay:  30 * time.Second,
		}, c.api.Prune, c.logger.Named("prune"))
	})
	if c.compactor != nil {
		g.Go(func() error {
			return RunCompaction(gctx, c.compactor, Schedule{
				Interval:   config.CompactionInterval,
				MaxRetries: 3,
				BaseDelay:  30 * time.Second,
			}, c.api.Compaction, c.logger.Named("compaction"))
		})
	}
	if gc, ok := c.store.(GarbageCollector); ok {
		g.Go(func() error {
			return RunBadgerGC(gctx, gc, config.BadgerGCInterval, c.logger.Named("badger"))
		})
	}
	g.Go(func() error {
		c.logger.Info("dashboard API listening", zap.String("addr", ln.Addr().String()))
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Subscribers first so open log streams end before the server drains
		c.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	return nil
}

// Wait blocks until every task has exited and returns the first task error
func (c *Controller) Wait() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop cancels every task, closes all log subscribers, shuts the HTTP server
// down, waits for the tasks and closes the store. Safe to call more than once.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		} else {
			c.hub.Close()
		}

		var errs []error
		if err := c.Wait(); err != nil {
			errs = append(errs, err)
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		c.stopErr = errors.Join(errs...)
		c.logger.Info("controller stopped")
	})
	return c.stopErr
}

// Run starts the controller and blocks until ctx is done or a task fails, then stops it.
// The store and hub are released even when Start fails.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return errors.Join(err, c.Stop())
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-done:
	}
	if err := c.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
