package compute_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/tidewell/minerd/challenge"
	"github.com/tidewell/minerd/compute"
	"github.com/tidewell/minerd/compute/mocks"
	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/wallet"
)

// endlessPool leases a fresh wallet on every claim.
type endlessPool struct {
	mu       sync.Mutex
	next     int
	outcomes map[wallet.Outcome]int
	ch       challenge.Challenge
}

func (p *endlessPool) Claim() (wallet.Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return wallet.Lease{Wallet: fmt.Sprintf("addr%d", p.next), Challenge: p.ch}, true
}

func (p *endlessPool) RecordAttempt(string) uint64 { return 1 }

func (p *endlessPool) Release(_ context.Context, _ wallet.Lease, outcome wallet.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[outcome]++
	return nil
}

func (p *endlessPool) count(o wallet.Outcome) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcomes[o]
}

type sink struct {
	mu   sync.Mutex
	subs []store.Submission
	err  error
}

func (s *sink) Submit(_ context.Context, sub store.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func fastConfig() compute.Config {
	cfg := compute.DefaultConfig()
	cfg.IdleWait = time.Millisecond
	cfg.FaultBackoff = time.Millisecond
	return cfg
}

func openChallenge(difficulty string) challenge.Challenge {
	return challenge.Challenge{ID: "**D05C10", Difficulty: difficulty, ExpiresAt: time.Now().Add(time.Hour)}
}

func TestFaultingSlotDoesNotStopOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()

	broken := mocks.NewMockEngine(gomock.NewController(t))
	broken.EXPECT().Name().Return("broken").AnyTimes()
	broken.EXPECT().Attempt(gomock.Any(), gomock.Any()).Return(compute.Result{}, errors.New("device lost")).AnyTimes()

	slots := []*compute.Slot{
		{ID: 0, Kind: compute.GPU, Device: 0, BatchSize: 100, Engine: broken},
		{ID: 1, Kind: compute.CPU, Device: 0, BatchSize: 100, Engine: compute.NewHashEngine()},
		{ID: 2, Kind: compute.CPU, Device: 1, BatchSize: 100, Engine: compute.NewHashEngine()},
	}
	pool := &endlessPool{outcomes: make(map[wallet.Outcome]int), ch: openChallenge("FFFFFFFF")}
	solutions := &sink{}
	d, err := compute.NewDispatcher(slots, pool, solutions, compute.WithConfig(fastConfig()))
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error { return d.Run(ctx) })

	require.Eventually(t, func() bool {
		return solutions.len() >= 20 && pool.count(wallet.Faulted) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, eg.Wait())

	rates := d.Hashrates()
	require.Len(t, rates, 3)
	require.NotZero(t, rates[0].Faults)
	require.Zero(t, rates[0].SolutionsFound)
	require.NotZero(t, rates[1].SolutionsFound)
	require.NotZero(t, rates[2].SolutionsFound)
	require.Positive(t, rates[1].HashesPerSec)
}

func TestExhaustionLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	ctrl := gomock.NewController(t)

	lease := wallet.Lease{Wallet: "addr1", Challenge: openChallenge("00000000")}
	engine := mocks.NewMockEngine(ctrl)
	engine.EXPECT().Name().Return("none").AnyTimes()
	var starts []uint64
	engine.EXPECT().Attempt(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, w compute.Work) (compute.Result, error) {
			starts = append(starts, w.StartNonce)
			return compute.Result{Hashes: w.BatchSize}, nil
		}).Times(3)

	pool := mocks.NewMockAssignments(ctrl)
	pool.EXPECT().Claim().Return(lease, true)
	pool.EXPECT().Claim().Return(wallet.Lease{}, false).AnyTimes()
	var attempts uint64
	pool.EXPECT().RecordAttempt("addr1").DoAndReturn(func(string) uint64 {
		attempts++
		return attempts
	}).Times(3)
	released := make(chan struct{})
	pool.EXPECT().Release(gomock.Any(), lease, wallet.Exhausted).DoAndReturn(
		func(context.Context, wallet.Lease, wallet.Outcome) error {
			close(released)
			return nil
		})

	cfg := fastConfig()
	cfg.ExhaustionLimit = 3
	d, err := compute.NewDispatcher(
		[]*compute.Slot{{Kind: compute.CPU, BatchSize: 10, Engine: engine}},
		pool, &sink{}, compute.WithConfig(cfg),
	)
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error { return d.Run(ctx) })
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "assignment was not released")
	}
	cancel()
	require.NoError(t, eg.Wait())
	require.Equal(t, []uint64{0, 10, 20}, starts)
}

func TestEnginePanicIsAFault(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	ctrl := gomock.NewController(t)

	lease := wallet.Lease{Wallet: "addr1", Challenge: openChallenge("0FFFFFFF"), Attempts: 4}
	engine := mocks.NewMockEngine(ctrl)
	engine.EXPECT().Name().Return("flaky").AnyTimes()
	engine.EXPECT().Attempt(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, w compute.Work) (compute.Result, error) {
			assert.EqualValues(t, 4*50, w.StartNonce)
			panic("kernel crashed")
		})

	pool := mocks.NewMockAssignments(ctrl)
	pool.EXPECT().Claim().Return(lease, true)
	pool.EXPECT().Claim().Return(wallet.Lease{}, false).AnyTimes()
	released := make(chan struct{})
	pool.EXPECT().Release(gomock.Any(), lease, wallet.Faulted).DoAndReturn(
		func(context.Context, wallet.Lease, wallet.Outcome) error {
			close(released)
			return nil
		})

	d, err := compute.NewDispatcher(
		[]*compute.Slot{{Kind: compute.GPU, BatchSize: 50, Engine: engine}},
		pool, &sink{}, compute.WithConfig(fastConfig()),
	)
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error { return d.Run(ctx) })
	<-released
	cancel()
	require.NoError(t, eg.Wait())
	require.EqualValues(t, 1, d.Hashrates()[0].Faults)
}

func TestExpiredLeaseReleasedWithoutWork(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	ctrl := gomock.NewController(t)

	lease := wallet.Lease{
		Wallet:    "addr1",
		Challenge: challenge.Challenge{ID: "old", Difficulty: "FFFFFFFF", ExpiresAt: time.Now().Add(-time.Minute)},
	}
	engine := mocks.NewMockEngine(ctrl)
	pool := mocks.NewMockAssignments(ctrl)
	pool.EXPECT().Claim().Return(lease, true)
	pool.EXPECT().Claim().Return(wallet.Lease{}, false).AnyTimes()
	released := make(chan struct{})
	pool.EXPECT().Release(gomock.Any(), lease, wallet.Expired).DoAndReturn(
		func(context.Context, wallet.Lease, wallet.Outcome) error {
			close(released)
			return nil
		})

	d, err := compute.NewDispatcher(
		[]*compute.Slot{{Kind: compute.CPU, BatchSize: 10, Engine: engine}},
		pool, &sink{}, compute.WithConfig(fastConfig()),
	)
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error { return d.Run(ctx) })
	<-released
	cancel()
	require.NoError(t, eg.Wait())
}

func TestSolutionPersistFailureKeepsAssignment(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	pool := &endlessPool{outcomes: make(map[wallet.Outcome]int), ch: openChallenge("FFFFFFFF")}
	d, err := compute.NewDispatcher(
		[]*compute.Slot{{Kind: compute.CPU, BatchSize: 10, Engine: compute.NewHashEngine()}},
		pool, &sink{err: errors.New("disk full")}, compute.WithConfig(fastConfig()),
	)
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error { return d.Run(ctx) })
	require.Eventually(t, func() bool { return pool.count(wallet.Faulted) > 0 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, eg.Wait())
	require.Zero(t, pool.count(wallet.Solved))
}

func TestNoSlots(t *testing.T) {
	_, err := compute.NewDispatcher(nil, &endlessPool{}, &sink{})
	require.ErrorIs(t, err, compute.ErrNoSlots)
}
