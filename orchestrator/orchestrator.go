// Package orchestrator wires the mining components together and drives
// them through the lifecycle of one process run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidewell/minerd/api"
	"github.com/tidewell/minerd/challenge"
	"github.com/tidewell/minerd/compute"
	"github.com/tidewell/minerd/consolidation"
	"github.com/tidewell/minerd/fee"
	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/migrations"
	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/submission"
	"github.com/tidewell/minerd/wallet"
)

const stateDirname = "state"

var ErrAlreadyStarted = errors.New("orchestrator already started")

type State int32

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	stateMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minerd",
		Subsystem: "orchestrator",
		Name:      "state",
		Help:      "Lifecycle state (0 starting, 1 running, 2 draining, 3 stopped)",
	})
	solvedMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minerd",
		Subsystem: "session",
		Name:      "solved",
		Help:      "Confirmed solutions of user wallets",
	})
	pendingMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minerd",
		Subsystem: "session",
		Name:      "pending",
		Help:      "Unresolved solutions of user wallets",
	})
	walletsMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "minerd",
		Subsystem: "session",
		Name:      "wallets",
		Help:      "User wallets by registration state",
	}, []string{"state"})
)

// Remote is everything the orchestrator needs from the mining service.
type Remote interface {
	challenge.Source
	wallet.Registrar
	submission.Submitter
	consolidation.Remote
}

// Session is a snapshot of user-facing statistics.
type Session struct {
	wallet.Stats
	Hashrate float64
	Slots    []compute.SlotRate
	Uptime   time.Duration
}

type Orchestrator struct {
	cfg   Config
	state atomic.Int32

	started   atomic.Bool
	startedAt time.Time

	remote  Remote
	engines compute.EngineFactory
	policy  fee.Policy

	slots        []*compute.Slot
	db           *store.Store
	catalog      *challenge.Catalog
	pool         *wallet.Pool
	pipeline     *submission.Pipeline
	dispatcher   *compute.Dispatcher
	consolidator *consolidation.Service

	metricsListener net.Listener
}

type OptionFunc func(*Orchestrator)

// WithRemote replaces the HTTP client of the mining service.
func WithRemote(r Remote) OptionFunc {
	return func(o *Orchestrator) {
		o.remote = r
	}
}

// WithEngines replaces the engine factory of the compute slots.
func WithEngines(f compute.EngineFactory) OptionFunc {
	return func(o *Orchestrator) {
		o.engines = f
	}
}

// New builds every component and opens the state store. It fails if the
// store is unreadable or inconsistent.
func New(ctx context.Context, cfg Config, opts ...OptionFunc) (_ *Orchestrator, err error) {
	logger := logging.FromContext(ctx)
	o := &Orchestrator{cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	defer func() {
		if err != nil {
			_ = o.Close()
		}
	}()

	for _, addr := range []string{cfg.Fee.Address, cfg.Consolidation.Address} {
		if addr == "" {
			continue
		}
		if _, err := wallet.DecodeAddress(addr); err != nil {
			return nil, err
		}
	}
	o.policy, err = fee.NewPolicy(cfg.Fee)
	if err != nil {
		return nil, err
	}

	if o.remote == nil {
		client, err := api.NewClient(ctx, cfg.API)
		if err != nil {
			return nil, fmt.Errorf("creating api client: %w", err)
		}
		o.remote = client
	}
	if o.engines == nil {
		o.engines = compute.DefaultEngines(cfg.Compute, logger.Named("engine"))
	}

	o.slots, err = compute.BuildSlots(ctx, cfg.Compute, o.engines)
	if err != nil {
		return nil, fmt.Errorf("building compute slots: %w", err)
	}
	o.db, err = store.Open(ctx, filepath.Join(cfg.DataDir, stateDirname))
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	o.catalog = challenge.NewCatalog(o.remote, challenge.WithConfig(cfg.Challenges))
	o.pool = wallet.NewPool(o.db, o.remote, o.policy, wallet.WithConfig(cfg.Wallets))
	o.pipeline, err = submission.New(o.db, o.remote, submission.WithConfig(cfg.Submission))
	if err != nil {
		return nil, fmt.Errorf("creating submission pipeline: %w", err)
	}
	o.dispatcher, err = compute.NewDispatcher(o.slots, o.pool, o.pipeline, compute.WithConfig(cfg.Compute))
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	o.consolidator = consolidation.New(o.db, o.remote, o.policy, cfg.Consolidation)

	if cfg.MetricsPort != nil {
		o.metricsListener, err = net.Listen("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			return nil, fmt.Errorf("failed to listen: %v", err)
		}
	}
	return o, nil
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(ctx context.Context, s State) {
	o.state.Store(int32(s))
	stateMetric.Set(float64(s))
	logging.FromContext(ctx).Info("state changed", zap.Stringer("state", s))
}

// MetricsAddr returns the address the metrics endpoint listens on, or nil.
func (o *Orchestrator) MetricsAddr() net.Addr {
	if o.metricsListener == nil {
		return nil
	}
	return o.metricsListener.Addr()
}

// Target is the number of active wallets the pool is kept at.
func (o *Orchestrator) Target() int {
	if o.cfg.Wallets.Target > 0 {
		return o.cfg.Wallets.Target
	}
	return len(o.slots) * max(o.cfg.Wallets.PerSlot, 1)
}

// Start runs the orchestrator until ctx is canceled. On cancellation
// running batches finish and submissions in flight get the drain grace
// period before Start returns.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	logger := logging.FromContext(ctx)
	o.startedAt = time.Now()
	o.setState(ctx, Starting)
	defer o.setState(ctx, Stopped)

	if err := migrations.Migrate(ctx, o.db, migrations.Config{
		DataDir:    o.cfg.DataDir,
		BackupFile: o.cfg.Wallets.BackupFile,
	}); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	if err := o.pool.Load(ctx); err != nil {
		return fmt.Errorf("loading wallets: %w", err)
	}

	// The pipeline outlives the other services so in-flight submissions
	// can finish while draining.
	pipelineCtx, stopPipeline := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPipeline()
	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- o.pipeline.Run(pipelineCtx)
	}()
	defer func() {
		stopPipeline()
		<-pipelineDone
	}()

	if _, err := o.pipeline.Resume(ctx); err != nil {
		return err
	}

	target := o.Target()
	o.policy.Disclose(logger, target)
	created, err := o.pool.EnsureCapacity(ctx, target)
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, wallet.ErrRegistrationUnavailable):
		stats, statsErr := o.pool.Stats(ctx)
		if statsErr != nil || stats.Active == 0 {
			return fmt.Errorf("ensuring wallet capacity: %w", err)
		}
		logger.Error("wallet pool below target", zap.Int("active", stats.Active), zap.Int("target", target), zap.Error(err))
	case err != nil:
		return fmt.Errorf("ensuring wallet capacity: %w", err)
	}
	logger.Info("wallet pool ready", zap.Int("created", created), zap.Int("target", target))

	o.setState(ctx, Running)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return o.dispatcher.Run(gctx)
	})
	group.Go(func() error {
		return o.schedule(gctx)
	})
	group.Go(func() error {
		return o.consolidator.Run(gctx)
	})
	group.Go(func() error {
		return o.reportStats(gctx)
	})
	if o.metricsListener != nil {
		o.serveMetrics(gctx, group)
	}

	<-gctx.Done()
	o.setState(ctx, Draining)
	runErr := group.Wait()
	o.drain(ctx)
	o.logStats(ctx)
	return runErr
}

// schedule refreshes the catalog and hands idle wallets their next
// challenge on every poll interval.
func (o *Orchestrator) schedule(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("scheduler")
	ctx = logging.NewContext(ctx, logger)
	ticker := time.NewTicker(o.cfg.Challenges.PollInterval)
	defer ticker.Stop()

	// Persisted assignments are only judged against a catalog that was
	// fetched at least once.
	refreshed := false
	for {
		err := o.catalog.Refresh(ctx)
		switch {
		case err == nil:
			refreshed = true
		case ctx.Err() == nil:
			logger.Warn("refreshing challenges", zap.Error(err))
		}
		if refreshed {
			n, err := o.pool.AssignIdle(ctx, o.catalog)
			if err != nil && ctx.Err() == nil {
				logger.Error("assigning challenges", zap.Error(err))
			} else if n > 0 {
				logger.Debug("assigned challenges", zap.Int("wallets", n))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drain waits for in-flight submissions up to the grace period. Whatever
// is left stays persisted and is resumed on the next start.
func (o *Orchestrator) drain(ctx context.Context) {
	logger := logging.FromContext(ctx)
	grace := time.NewTimer(o.cfg.DrainGrace)
	defer grace.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for o.pipeline.Pending() > 0 {
		select {
		case <-grace.C:
			logger.Warn("drain grace period elapsed", zap.Int("in_flight", o.pipeline.Pending()))
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) serveMetrics(ctx context.Context, group *errgroup.Group) {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}

	group.Go(func() error {
		logger.Sugar().Infof("metrics server listening on %s", o.metricsListener.Addr())
		err := server.Serve(o.metricsListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
		return nil
	})
}

// Stats returns the user-facing statistics of the session. Developer fee
// wallets are not included.
func (o *Orchestrator) Stats(ctx context.Context) (Session, error) {
	stats, err := o.pool.Stats(ctx)
	if err != nil {
		return Session{}, err
	}
	s := Session{
		Stats:  stats,
		Slots:  o.dispatcher.Hashrates(),
		Uptime: time.Since(o.startedAt),
	}
	for _, r := range s.Slots {
		s.Hashrate += r.HashesPerSec
	}
	return s, nil
}

func (o *Orchestrator) reportStats(ctx context.Context) error {
	if o.cfg.StatsInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(o.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.logStats(ctx)
		}
	}
}

func (o *Orchestrator) logStats(ctx context.Context) {
	logger := logging.FromContext(ctx)
	s, err := o.Stats(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("collecting statistics", zap.Error(err))
		return
	}
	solvedMetric.Set(float64(s.Solved))
	pendingMetric.Set(float64(s.Pending))
	walletsMetric.WithLabelValues(store.Active.String()).Set(float64(s.Active))
	walletsMetric.WithLabelValues(store.Registering.String()).Set(float64(s.Registering))
	walletsMetric.WithLabelValues(store.Disabled.String()).Set(float64(s.Disabled))

	logger.Info("session statistics",
		zap.Uint64("solved", s.Solved),
		zap.Uint64("pending", s.Pending),
		zap.Int("active_wallets", s.Active),
		zap.Int("disabled_wallets", s.Disabled),
		zap.Int("busy_wallets", s.Busy),
		zap.Float64("hashrate", s.Hashrate),
		zap.Duration("uptime", s.Uptime.Round(time.Second)),
	)
	if s.Disabled > 0 {
		logger.Warn("wallets disabled after failed registration", zap.Int("count", s.Disabled))
	}
}

// Close releases the compute engines, the metrics listener and the store.
func (o *Orchestrator) Close() error {
	var result *multierror.Error
	switch {
	case o.dispatcher != nil:
		if err := o.dispatcher.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	default:
		for _, s := range o.slots {
			if err := s.Engine.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing engine of slot %s: %w", s, err))
			}
		}
	}
	if o.metricsListener != nil {
		if err := o.metricsListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing metrics listener: %w", err))
		}
	}
	if o.db != nil {
		if err := o.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing state store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
