package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/tidewell/minerd/api"
	"github.com/tidewell/minerd/compute"
	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/wallet"
)

// fakeRemote accepts every registration and solution for a single open
// challenge that any hash solves.
type fakeRemote struct {
	mu          sync.Mutex
	registerErr error
	registered  map[string]int
	solutions   map[store.SubmissionKey]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		registered: make(map[string]int),
		solutions:  make(map[store.SubmissionKey]string),
	}
}

func (r *fakeRemote) CurrentChallenge(context.Context) (*api.Challenge, error) {
	return &api.Challenge{
		ChallengeID:      "**D01C01",
		Difficulty:       "FFFFFFFF",
		NoPreMine:        "cafe",
		LatestSubmission: "2099-01-01T00:00:00Z",
		NoPreMineHour:    "123",
	}, nil
}

func (r *fakeRemote) Register(_ context.Context, address, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[address]++
	return r.registerErr
}

func (r *fakeRemote) SubmitSolution(_ context.Context, address, challengeID, nonce string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := store.SubmissionKey{Wallet: address, ChallengeID: challengeID}
	if _, ok := r.solutions[key]; ok {
		return api.ErrRejected
	}
	r.solutions[key] = nonce
	return nil
}

func (r *fakeRemote) Balance(context.Context, string) (uint64, error) {
	return 0, api.ErrNotFound
}

func (r *fakeRemote) Transfer(context.Context, string, string, string) error {
	return nil
}

func (r *fakeRemote) submitted() map[store.SubmissionKey]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[store.SubmissionKey]string, len(r.solutions))
	for k, v := range r.solutions {
		out[k] = v
	}
	return out
}

func testConfig(t *testing.T) Config {
	cfg := *DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Compute.CPUWorkers = 2
	cfg.Compute.CPUBatch = 64
	cfg.Compute.IdleWait = 10 * time.Millisecond
	cfg.Wallets.Target = 4
	cfg.Wallets.BackupFile = filepath.Join(cfg.DataDir, "wallets.bin")
	cfg.Wallets.RegistrationBackoff = time.Millisecond
	cfg.Challenges.PollInterval = 10 * time.Millisecond
	cfg.Submission.Backoff = time.Millisecond
	cfg.Consolidation.Interval = time.Hour
	cfg.StatsInterval = 10 * time.Millisecond
	cfg.DrainGrace = time.Second
	return cfg
}

func hashEngines(compute.Kind, int) compute.Engine {
	return compute.NewHashEngine()
}

func TestOrchestratorLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	cfg := testConfig(t)
	remote := newFakeRemote()

	o, err := New(ctx, cfg, WithRemote(remote), WithEngines(hashEngines))
	require.NoError(t, err)
	require.Equal(t, 4, o.Target())

	var eg errgroup.Group
	eg.Go(func() error { return o.Start(ctx) })

	require.Eventually(t, func() bool {
		return o.State() == Running && len(remote.submitted()) == 4
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, err := o.Stats(ctx)
		return err == nil && s.Solved == 4 && s.Pending == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, o.Start(ctx), ErrAlreadyStarted)

	cancel()
	require.NoError(t, eg.Wait())
	require.Equal(t, Stopped, o.State())
	require.NoError(t, o.Close())

	db, err := store.Open(context.Background(), filepath.Join(cfg.DataDir, stateDirname))
	require.NoError(t, err)
	defer db.Close()
	wallets, err := db.Wallets(context.Background())
	require.NoError(t, err)
	require.Len(t, wallets, 4)
	for _, w := range wallets {
		require.Equal(t, uint64(1), w.Solved)
		require.True(t, w.IsExhausted("**D01C01"))
		require.False(t, w.Assignment.Active)
	}
}

func TestStartResumesPendingSubmissions(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	cfg := testConfig(t)
	cfg.Wallets.Target = 1

	// A solution persisted by a previous run that never reached the service.
	id, err := wallet.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	db, err := store.Open(ctx, filepath.Join(cfg.DataDir, stateDirname))
	require.NoError(t, err)
	require.NoError(t, db.CreateWallet(ctx, &store.Wallet{
		Address:    id.Address,
		PublicKey:  id.PublicKey,
		SigningKey: id.Seed(),
		State:      store.Active,
	}))
	_, began, err := db.BeginSubmission(ctx, store.Submission{
		Wallet:      id.Address,
		ChallengeID: "**D00C09",
		Nonce:       "00000000000000ff",
	})
	require.NoError(t, err)
	require.True(t, began)
	require.NoError(t, db.Close())

	remote := newFakeRemote()
	o, err := New(ctx, cfg, WithRemote(remote), WithEngines(hashEngines))
	require.NoError(t, err)
	defer o.Close()

	var eg errgroup.Group
	eg.Go(func() error { return o.Start(ctx) })

	key := store.SubmissionKey{Wallet: id.Address, ChallengeID: "**D00C09"}
	require.Eventually(t, func() bool {
		nonce, ok := remote.submitted()[key]
		return ok && nonce == "00000000000000ff"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, eg.Wait())
	// The wallet already existed, so no registration was needed.
	require.Empty(t, remote.registered)
}

func TestFeeWalletsExcludedFromSessionStats(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	feeID, err := wallet.GenerateIdentity(rand.Reader)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Fee.Fraction = 0.25
	cfg.Fee.Address = feeID.Address
	cfg.Fee.MinWallets = 1
	remote := newFakeRemote()

	o, err := New(ctx, cfg, WithRemote(remote), WithEngines(hashEngines))
	require.NoError(t, err)
	defer o.Close()

	var eg errgroup.Group
	eg.Go(func() error { return o.Start(ctx) })

	require.Eventually(t, func() bool {
		return len(remote.submitted()) == 4
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, err := o.Stats(ctx)
		return err == nil && s.Solved == 3 && s.Active == 3
	}, 5*time.Second, 10*time.Millisecond)

	wallets, err := o.pool.Wallets(ctx)
	require.NoError(t, err)
	var fees int
	for _, w := range wallets {
		if w.Role == store.RoleDeveloperFee {
			fees++
		}
	}
	require.Equal(t, 1, fees)

	cancel()
	require.NoError(t, eg.Wait())
}

func TestStartFailsWithoutRegisteredWallets(t *testing.T) {
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	cfg := testConfig(t)
	cfg.Wallets.RegistrationAttempts = 1
	cfg.Wallets.MaxConsecutiveFailures = 2
	remote := newFakeRemote()
	remote.registerErr = errors.New("service unavailable")

	o, err := New(ctx, cfg, WithRemote(remote), WithEngines(hashEngines))
	require.NoError(t, err)
	defer o.Close()

	err = o.Start(ctx)
	require.ErrorIs(t, err, wallet.ErrRegistrationUnavailable)
	require.Equal(t, Stopped, o.State())
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))

	t.Run("invalid consolidation address", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Consolidation.Address = "addr1notanaddress"
		_, err := New(ctx, cfg, WithRemote(newFakeRemote()), WithEngines(hashEngines))
		require.ErrorIs(t, err, wallet.ErrInvalidAddress)
	})
	t.Run("no compute slots", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Compute.CPUWorkers = -1
		_, err := New(ctx, cfg, WithRemote(newFakeRemote()), WithEngines(hashEngines))
		require.ErrorIs(t, err, compute.ErrNoSlots)
	})
	t.Run("fee fraction out of range", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Fee.Fraction = 0.9
		_, err := New(ctx, cfg, WithRemote(newFakeRemote()), WithEngines(hashEngines))
		require.Error(t, err)
	})
	t.Run("corrupted state store", func(t *testing.T) {
		cfg := testConfig(t)
		db, err := leveldb.OpenFile(filepath.Join(cfg.DataDir, stateDirname), nil)
		require.NoError(t, err)
		require.NoError(t, db.Put([]byte("garbage"), []byte("garbage"), nil))
		require.NoError(t, db.Close())

		_, err = New(ctx, cfg, WithRemote(newFakeRemote()), WithEngines(hashEngines))
		require.ErrorIs(t, err, store.ErrCorrupted)
	})
	t.Run("metrics port in use", func(t *testing.T) {
		l, err := net.Listen("tcp", ":0")
		require.NoError(t, err)
		defer l.Close()

		cfg := testConfig(t)
		port := uint16(l.Addr().(*net.TCPAddr).Port)
		cfg.MetricsPort = &port
		_, err = New(ctx, cfg, WithRemote(newFakeRemote()), WithEngines(hashEngines))
		require.Error(t, err)

		// The store opened before the failure was released.
		db, err := store.Open(ctx, filepath.Join(cfg.DataDir, stateDirname))
		require.NoError(t, err)
		require.NoError(t, db.Close())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	cfg := testConfig(t)
	port := uint16(0)
	cfg.MetricsPort = &port

	o, err := New(ctx, cfg, WithRemote(newFakeRemote()), WithEngines(hashEngines))
	require.NoError(t, err)
	defer o.Close()
	require.NotNil(t, o.MetricsAddr())

	var eg errgroup.Group
	eg.Go(func() error { return o.Start(ctx) })
	require.Eventually(t, func() bool { return o.State() == Running }, 5*time.Second, 10*time.Millisecond)

	resp, err := httpGet(ctx, "http://"+o.MetricsAddr().String()+"/metrics")
	require.NoError(t, err)
	require.Contains(t, resp, "minerd_orchestrator_state")

	cancel()
	require.NoError(t, eg.Wait())
}
