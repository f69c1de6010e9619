package compute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/wallet"
)

var (
	hashrateMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "minerd",
		Subsystem: "compute",
		Name:      "hashrate",
		Help:      "Smoothed hashes per second of a slot",
	}, []string{"slot", "kind"})
	batchesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minerd",
		Subsystem: "compute",
		Name:      "batches_total",
		Help:      "Engine batches by result",
	}, []string{"kind", "result"})
)

const (
	emaOld = 0.9
	emaNew = 0.1
)

//go:generate mockgen -package mocks -destination mocks/assignments.go . Assignments

// Assignments hands out wallet assignments to slots.
type Assignments interface {
	Claim() (wallet.Lease, bool)
	RecordAttempt(address string) uint64
	Release(ctx context.Context, lease wallet.Lease, outcome wallet.Outcome) error
}

// Sink receives found solutions. Submit must persist the solution before
// it returns.
type Sink interface {
	Submit(ctx context.Context, solution store.Submission) error
}

type SlotRate struct {
	Slot           string
	Kind           Kind
	HashesPerSec   float64
	Faults         uint64
	SolutionsFound uint64
}

type Dispatcher struct {
	slots []*Slot
	pool  Assignments
	sink  Sink
	cfg   Config
	now   func() time.Time

	mu    sync.Mutex
	rates []SlotRate
}

type OptionFunc func(*Dispatcher)

func WithConfig(cfg Config) OptionFunc {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

func WithClock(now func() time.Time) OptionFunc {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func NewDispatcher(slots []*Slot, pool Assignments, sink Sink, opts ...OptionFunc) (*Dispatcher, error) {
	if len(slots) == 0 {
		return nil, ErrNoSlots
	}
	d := &Dispatcher{
		slots: slots,
		pool:  pool,
		sink:  sink,
		cfg:   DefaultConfig(),
		now:   time.Now,
		rates: make([]SlotRate, len(slots)),
	}
	for _, opt := range opts {
		opt(d)
	}
	for i, s := range slots {
		if s.BatchSize == 0 {
			return nil, fmt.Errorf("slot %s has no batch size", s)
		}
		d.rates[i] = SlotRate{Slot: s.String(), Kind: s.Kind}
	}
	return d, nil
}

// Run drives every slot until ctx is canceled. A slot finishes its current
// batch before it stops.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("dispatcher")
	logger.Info("starting slots", zap.Int("count", len(d.slots)))

	var eg errgroup.Group
	for i, s := range d.slots {
		eg.Go(func() error {
			slotLogger := logger.With(zap.Stringer("slot", s))
			d.runSlot(logging.NewContext(ctx, slotLogger), i, s)
			return nil
		})
	}
	err := eg.Wait()
	logger.Info("all slots stopped")
	return err
}

func (d *Dispatcher) runSlot(ctx context.Context, idx int, s *Slot) {
	logger := logging.FromContext(ctx)
	timer := time.NewTimer(0)
	<-timer.C

	for {
		var pause time.Duration
		if lease, ok := d.pool.Claim(); ok {
			outcome := d.work(ctx, idx, s, lease)
			logger.Debug("assignment released",
				zap.String("wallet", lease.Wallet),
				zap.String("challenge", lease.Challenge.ID),
				zap.Stringer("outcome", outcome),
			)
			if err := d.pool.Release(context.WithoutCancel(ctx), lease, outcome); err != nil {
				logger.Error("releasing assignment", zap.String("wallet", lease.Wallet), zap.Error(err))
			}
			if outcome == wallet.Faulted {
				pause = d.cfg.FaultBackoff
			}
		} else {
			pause = d.cfg.IdleWait
		}

		if ctx.Err() != nil {
			return
		}
		if pause <= 0 {
			continue
		}
		timer.Reset(pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		}
	}
}

// work runs batches against one lease until it is solved, exhausted,
// expired, faulted or interrupted.
func (d *Dispatcher) work(ctx context.Context, idx int, s *Slot, lease wallet.Lease) wallet.Outcome {
	logger := logging.FromContext(ctx).With(
		zap.String("wallet", logging.ShortID(lease.Wallet, 16)),
		zap.String("challenge", lease.Challenge.ID),
	)
	attempts := lease.Attempts
	nonce := attempts * s.BatchSize

	for {
		switch {
		case ctx.Err() != nil:
			return wallet.Interrupted
		case !lease.Challenge.OpenAt(d.now()):
			return wallet.Expired
		case d.cfg.ExhaustionLimit > 0 && attempts >= d.cfg.ExhaustionLimit:
			logger.Info("assignment exhausted", zap.Uint64("batches", attempts))
			return wallet.Exhausted
		}

		start := d.now()
		res, err := d.attempt(ctx, s, Work{
			Wallet:     lease.Wallet,
			Challenge:  lease.Challenge,
			StartNonce: nonce,
			BatchSize:  s.BatchSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				return wallet.Interrupted
			}
			batchesMetric.WithLabelValues(s.Kind.String(), "fault").Inc()
			d.recordFault(idx)
			logger.Warn("compute engine faulted", zap.String("engine", s.Engine.Name()), zap.Error(err))
			return wallet.Faulted
		}
		attempts = d.pool.RecordAttempt(lease.Wallet)
		d.observe(idx, res.Hashes, d.now().Sub(start))

		if res.Found {
			batchesMetric.WithLabelValues(s.Kind.String(), "found").Inc()
			d.recordSolution(idx)
			logger.Info("solution found", zap.String("nonce", res.Nonce))
			err := d.sink.Submit(context.WithoutCancel(ctx), store.Submission{
				Wallet:      lease.Wallet,
				ChallengeID: lease.Challenge.ID,
				Nonce:       res.Nonce,
				Hash:        res.Hash,
				Status:      store.Found,
				FoundAt:     d.now().UnixNano(),
			})
			if err != nil {
				// The assignment stays so the pair is mined again.
				logger.Error("recording solution", zap.Error(err))
				return wallet.Faulted
			}
			return wallet.Solved
		}
		batchesMetric.WithLabelValues(s.Kind.String(), "exhausted").Inc()
		nonce += s.BatchSize
	}
}

// attempt runs one batch, converting engine errors and panics into
// ErrEngineFault.
func (d *Dispatcher) attempt(ctx context.Context, s *Slot, w Work) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrEngineFault, r)
		}
	}()
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}
	res, err = s.Engine.Attempt(ctx, w)
	if err != nil && !errors.Is(err, ErrEngineFault) {
		err = fmt.Errorf("%w: %w", ErrEngineFault, err)
	}
	return res, err
}

func (d *Dispatcher) observe(idx int, hashes uint64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	rate := float64(hashes) / elapsed.Seconds()
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &d.rates[idx]
	if r.HashesPerSec == 0 {
		r.HashesPerSec = rate
	} else {
		r.HashesPerSec = emaOld*r.HashesPerSec + emaNew*rate
	}
	hashrateMetric.WithLabelValues(r.Slot, r.Kind.String()).Set(r.HashesPerSec)
}

func (d *Dispatcher) recordFault(idx int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rates[idx].Faults++
}

func (d *Dispatcher) recordSolution(idx int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rates[idx].SolutionsFound++
}

// Hashrates returns a snapshot of per-slot statistics.
func (d *Dispatcher) Hashrates() []SlotRate {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SlotRate, len(d.rates))
	copy(out, d.rates)
	return out
}

// Close closes every slot engine.
func (d *Dispatcher) Close() error {
	var result *multierror.Error
	for _, s := range d.slots {
		if err := s.Engine.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing engine of slot %s: %w", s, err))
		}
	}
	return result.ErrorOrNil()
}
