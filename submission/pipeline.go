// Package submission delivers found solutions to the service exactly once
// per (wallet, challenge) pair, surviving restarts.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidewell/minerd/api"
	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
)

var (
	submissionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minerd",
		Subsystem: "submission",
		Name:      "results_total",
		Help:      "Submission attempts by result",
	}, []string{"result"})
	duplicatesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerd",
		Subsystem: "submission",
		Name:      "duplicates_total",
		Help:      "Solutions discarded because the pair was already submitted",
	})
	inflightMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minerd",
		Subsystem: "submission",
		Name:      "inflight",
		Help:      "Solutions currently being delivered",
	})
)

//go:generate mockgen -package mocks -destination mocks/submitter.go . Submitter

// Submitter sends a solution to the service.
type Submitter interface {
	SubmitSolution(ctx context.Context, address, challengeID, nonce string) error
}

type Pipeline struct {
	db        *store.Store
	submitter Submitter
	cfg       Config
	now       func() time.Time

	resolved *lru.Cache
	sem      chan struct{}
	work     chan store.SubmissionKey
	stopped  chan struct{}

	mu       sync.Mutex
	inflight map[store.SubmissionKey]struct{}
}

type OptionFunc func(*Pipeline)

func WithConfig(cfg Config) OptionFunc {
	return func(p *Pipeline) {
		p.cfg = cfg
	}
}

func WithClock(now func() time.Time) OptionFunc {
	return func(p *Pipeline) {
		p.now = now
	}
}

func New(db *store.Store, submitter Submitter, opts ...OptionFunc) (*Pipeline, error) {
	p := &Pipeline{
		db:        db,
		submitter: submitter,
		cfg:       DefaultConfig(),
		now:       time.Now,
		work:      make(chan store.SubmissionKey),
		stopped:   make(chan struct{}),
		inflight:  make(map[store.SubmissionKey]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	cache, err := lru.New(max(p.cfg.CacheSize, 1))
	if err != nil {
		return nil, err
	}
	p.resolved = cache
	p.sem = make(chan struct{}, max(p.cfg.Concurrency, 1))
	return p, nil
}

// Submit records a found solution and queues it for delivery. It returns
// once the solution is persisted. A solution for a pair that already has
// a record is discarded.
func (p *Pipeline) Submit(ctx context.Context, sol store.Submission) error {
	key := sol.Key()
	logger := logging.FromContext(ctx).With(zap.Stringer("solution", key))
	if _, ok := p.resolved.Get(key); ok {
		duplicatesMetric.Inc()
		logger.Debug("discarding solution for resolved pair")
		return nil
	}

	rec, began, err := p.db.BeginSubmission(ctx, sol)
	if err != nil {
		return fmt.Errorf("recording solution %s: %w", key, err)
	}
	if !began {
		duplicatesMetric.Inc()
		if rec.Status.Resolved() {
			p.resolved.Add(key, rec.Status)
		}
		logger.Debug("discarding duplicate solution", zap.Stringer("status", rec.Status))
		return nil
	}
	p.enqueue(key)
	return nil
}

// Resume queues every solution left unresolved by an earlier run and
// returns how many there were.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	pending, err := p.db.PendingSubmissions(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending submissions: %w", err)
	}
	if len(pending) > 0 {
		logging.FromContext(ctx).Info("resuming pending submissions", zap.Int("count", len(pending)))
	}
	for _, sub := range pending {
		p.enqueue(sub.Key())
	}
	return len(pending), nil
}

func (p *Pipeline) enqueue(key store.SubmissionKey) {
	select {
	case p.work <- key:
	case <-p.stopped:
		// Persisted records are picked up by Resume on the next start.
	}
}

// Run delivers queued solutions until ctx is canceled and then waits for
// deliveries in progress to reach a checkpoint.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.stopped)
	logger := logging.FromContext(ctx).Named("submission")
	ctx = logging.NewContext(ctx, logger)

	var eg errgroup.Group
	for {
		select {
		case key := <-p.work:
			if !p.track(key) {
				continue
			}
			eg.Go(func() error {
				defer p.untrack(key)
				p.deliver(ctx, key)
				return nil
			})
		case <-ctx.Done():
			logger.Info("waiting for deliveries in progress", zap.Int("count", p.Pending()))
			return eg.Wait()
		}
	}
}

func (p *Pipeline) track(key store.SubmissionKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[key]; ok {
		return false
	}
	p.inflight[key] = struct{}{}
	inflightMetric.Set(float64(len(p.inflight)))
	return true
}

func (p *Pipeline) untrack(key store.SubmissionKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, key)
	inflightMetric.Set(float64(len(p.inflight)))
}

// Pending returns the number of solutions being delivered.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// deliver submits one record until it is resolved or ctx is canceled.
// Every state change is persisted before the network call it precedes.
func (p *Pipeline) deliver(ctx context.Context, key store.SubmissionKey) {
	logger := logging.FromContext(ctx).With(zap.Stringer("solution", key))
	timer := time.NewTimer(0)
	<-timer.C
	delay := p.cfg.Backoff

	wait := func(d time.Duration) bool {
		timer.Reset(d)
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return false
		}
	}

	rec, err := p.db.Submission(ctx, key)
	if err != nil {
		logger.Error("loading submission", zap.Error(err))
		return
	}
	if due := time.Unix(0, rec.NextAttemptAt).Sub(p.now()); rec.Status == store.Retrying && due > 0 {
		if !wait(min(due, p.cfg.MaxBackoff)) {
			return
		}
	}

	for {
		rec, err := p.db.MarkSubmitting(ctx, key)
		if errors.Is(err, store.ErrResolved) {
			p.resolved.Add(key, rec.Status)
			return
		}
		if err != nil {
			logger.Error("marking submission", zap.Error(err))
			return
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		err = p.submitter.SubmitSolution(ctx, rec.Wallet, rec.ChallengeID, rec.Nonce)
		<-p.sem

		switch {
		case err == nil:
			p.resolve(ctx, logger, key, store.Confirmed, nil)
			logger.Info("solution confirmed",
				zap.Uint32("attempts", rec.Attempts),
				zap.Stringer("role", rec.Role),
			)
			return
		case api.IsRejected(err):
			p.resolve(ctx, logger, key, store.Rejected, err)
			logger.Warn("solution rejected", zap.Uint32("attempts", rec.Attempts), zap.Error(err))
			return
		case ctx.Err() != nil:
			return
		}

		submissionsMetric.WithLabelValues("transient").Inc()
		if _, err := p.db.MarkRetrying(ctx, key, err, p.now().Add(delay)); err != nil {
			logger.Error("marking submission for retry", zap.Error(err))
			return
		}
		logger.Warn("submission failed, retrying",
			zap.Uint32("attempt", rec.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if !wait(delay) {
			return
		}
		delay = min(delay*2, p.cfg.MaxBackoff)
	}
}

func (p *Pipeline) resolve(
	ctx context.Context,
	logger *zap.Logger,
	key store.SubmissionKey,
	status store.SubmissionStatus,
	cause error,
) {
	submissionsMetric.WithLabelValues(status.String()).Inc()
	if _, err := p.db.ResolveSubmission(ctx, key, status, cause); err != nil && !errors.Is(err, store.ErrResolved) {
		logger.Error("resolving submission", zap.Stringer("status", status), zap.Error(err))
		return
	}
	p.resolved.Add(key, status)
}
