// Package consolidation periodically hands the settled balances of pool
// wallets to their destination address.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tidewell/minerd/api"
	"github.com/tidewell/minerd/fee"
	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/wallet"
)

const defaultInterval = 5 * time.Minute

var sweepsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minerd",
	Subsystem: "consolidation",
	Name:      "transfers_total",
	Help:      "Consolidation transfers by result",
}, []string{"result"})

func DefaultConfig() Config {
	return Config{
		Interval:   defaultInterval,
		MinBalance: 1,
	}
}

//nolint:lll
type Config struct {
	Address    string        `long:"consolidate-address"     description:"Address user wallet balances are consolidated to. Empty disables consolidation of user wallets"`
	Interval   time.Duration `long:"consolidate-interval"    description:"Time between consolidation runs"`
	MinBalance uint64        `long:"consolidate-min-balance" description:"Smallest balance worth transferring"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("address", c.Address)
	enc.AddDuration("interval", c.Interval)
	enc.AddUint64("min_balance", c.MinBalance)
	return nil
}

//go:generate mockgen -package mocks -destination mocks/remote.go . Remote

// Remote is the balance and transfer side of the service.
type Remote interface {
	Balance(ctx context.Context, address string) (uint64, error)
	Transfer(ctx context.Context, destination, address, signature string) error
}

type Report struct {
	Transferred int
	Skipped     int
	Failed      int
}

type Service struct {
	db     *store.Store
	remote Remote
	fee    fee.Policy
	cfg    Config
	now    func() time.Time
}

type OptionFunc func(*Service)

func WithClock(now func() time.Time) OptionFunc {
	return func(s *Service) {
		s.now = now
	}
}

func New(db *store.Store, remote Remote, policy fee.Policy, cfg Config, opts ...OptionFunc) *Service {
	s := &Service{
		db:     db,
		remote: remote,
		fee:    policy,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every interval until ctx is canceled. Failed wallets are
// retried on the next interval.
func (s *Service) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("consolidation")
	ctx = logging.NewContext(ctx, logger)
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("consolidation incomplete",
					zap.Int("transferred", report.Transferred),
					zap.Int("failed", report.Failed),
					zap.Error(err),
				)
			} else if report.Transferred > 0 {
				logger.Info("consolidated wallets", zap.Int("transferred", report.Transferred))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep transfers the balance of every active wallet to its destination.
// A failing wallet does not stop the others; all failures are returned
// together.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	var report Report
	wallets, err := s.db.Wallets(ctx)
	if err != nil {
		return report, fmt.Errorf("loading wallets: %w", err)
	}

	var result *multierror.Error
	for _, w := range wallets {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}
		dest := s.fee.Destination(w.Role, s.cfg.Address)
		if w.State != store.Active || dest == "" || dest == w.Address {
			continue
		}
		transferred, err := s.sweep(ctx, w, dest)
		switch {
		case err != nil:
			report.Failed++
			sweepsMetric.WithLabelValues("failed").Inc()
			result = multierror.Append(result, fmt.Errorf("wallet %s: %w", w.Address, err))
			s.recordError(ctx, w.Address, err)
		case transferred:
			report.Transferred++
			sweepsMetric.WithLabelValues("transferred").Inc()
		default:
			report.Skipped++
		}
	}
	return report, result.ErrorOrNil()
}

func (s *Service) sweep(ctx context.Context, w *store.Wallet, dest string) (bool, error) {
	balance, err := s.remote.Balance(ctx, w.Address)
	switch {
	case errors.Is(err, api.ErrNotFound):
		balance = w.Unswept()
	case err != nil:
		return false, fmt.Errorf("querying balance: %w", err)
	}
	if balance == 0 || balance < s.cfg.MinBalance {
		return false, nil
	}

	id, err := wallet.IdentityFromSeed(w.SigningKey)
	if err != nil {
		return false, err
	}
	sig, err := id.Sign(wallet.ConsolidationMessage(dest))
	if err != nil {
		return false, fmt.Errorf("signing transfer: %w", err)
	}
	if err := s.remote.Transfer(ctx, dest, w.Address, sig); err != nil {
		return false, fmt.Errorf("transferring: %w", err)
	}

	solved := w.Solved
	_, err = s.db.UpdateWallet(ctx, w.Address, func(rec *store.Wallet) error {
		rec.Swept = max(rec.Swept, solved)
		rec.LastError = ""
		rec.Touch(s.now())
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("recording transfer: %w", err)
	}
	logging.FromContext(ctx).Debug("transferred balance",
		zap.String("wallet", w.Address),
		zap.Uint64("balance", balance),
	)
	return true, nil
}

func (s *Service) recordError(ctx context.Context, address string, cause error) {
	_, err := s.db.UpdateWallet(ctx, address, func(rec *store.Wallet) error {
		rec.LastError = cause.Error()
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).Warn("recording consolidation failure", zap.String("wallet", address), zap.Error(err))
	}
}
