package challenge

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/tidewell/minerd/api"
	"github.com/tidewell/minerd/logging"
)

var (
	openChallengesMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minerd",
		Subsystem: "catalog",
		Name:      "open_challenges",
		Help:      "Number of open challenges known to the catalog",
	})
	refreshFailuresMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerd",
		Subsystem: "catalog",
		Name:      "refresh_failures_total",
		Help:      "Number of failed catalog refreshes",
	})
)

//go:generate mockgen -package mocks -destination mocks/source.go . Source

// Source fetches the challenge currently published by the service.
type Source interface {
	CurrentChallenge(ctx context.Context) (*api.Challenge, error)
}

type view struct {
	challenges []Challenge
}

// Catalog is the refreshed view of open challenges. Readers always see a
// complete view: a refresh builds a new one and swaps it in.
type Catalog struct {
	source Source
	cfg    Config
	now    func() time.Time
	view   atomic.Pointer[view]
}

type OptionFunc func(*Catalog)

func WithClock(now func() time.Time) OptionFunc {
	return func(c *Catalog) {
		c.now = now
	}
}

func WithConfig(cfg Config) OptionFunc {
	return func(c *Catalog) {
		c.cfg = cfg
	}
}

func NewCatalog(source Source, opts ...OptionFunc) *Catalog {
	c := &Catalog{
		source: source,
		cfg:    DefaultConfig(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.view.Store(&view{})
	return c
}

// Refresh fetches the current challenge and merges it into the view,
// dropping challenges that have closed. On failure the previous view is kept.
func (c *Catalog) Refresh(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	wire, err := c.source.CurrentChallenge(ctx)
	if err != nil {
		refreshFailuresMetric.Inc()
		return fmt.Errorf("fetching current challenge: %w", err)
	}

	now := c.now()
	var fetched *Challenge
	if wire != nil {
		ch, err := FromWire(*wire, now, c.cfg.TTL)
		if err != nil {
			refreshFailuresMetric.Inc()
			return fmt.Errorf("parsing challenge %s: %w", wire.ChallengeID, err)
		}
		fetched = &ch
	}

	prev := c.view.Load()
	next := make([]Challenge, 0, len(prev.challenges)+1)
	pruned := 0
	discovered := fetched != nil
	for _, ch := range prev.challenges {
		if !ch.OpenAt(now) {
			pruned++
			continue
		}
		if fetched != nil && ch.ID == fetched.ID {
			fetched.DiscoveredAt = ch.DiscoveredAt
			discovered = false
			continue
		}
		next = append(next, ch)
	}
	if fetched != nil && fetched.OpenAt(now) {
		if discovered {
			logger.Info("discovered challenge", zap.Object("challenge", fetched))
		}
		next = append(next, *fetched)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })

	c.view.Store(&view{challenges: next})
	openChallengesMetric.Set(float64(len(next)))
	if pruned > 0 {
		logger.Info("removed closed challenges", zap.Int("count", pruned))
	}
	return nil
}

// OpenChallenges returns a lazy sequence over the challenges open right now.
// Every iteration reads the latest view, so the sequence can be ranged
// over repeatedly.
func (c *Catalog) OpenChallenges() iter.Seq[Challenge] {
	return func(yield func(Challenge) bool) {
		v := c.view.Load()
		cutoff := c.now().Add(c.cfg.CloseMargin)
		for _, ch := range v.challenges {
			if !ch.OpenAt(cutoff) {
				continue
			}
			if !yield(ch) {
				return
			}
		}
	}
}

// Lookup reports whether id is currently open and returns it.
func (c *Catalog) Lookup(id string) (Challenge, bool) {
	for ch := range c.OpenChallenges() {
		if ch.ID == id {
			return ch, true
		}
	}
	return Challenge{}, false
}
