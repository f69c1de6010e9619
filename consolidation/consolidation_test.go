package consolidation_test

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tidewell/minerd/api"
	"github.com/tidewell/minerd/consolidation"
	"github.com/tidewell/minerd/consolidation/mocks"
	"github.com/tidewell/minerd/fee"
	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/wallet"
)

func newAddress(t *testing.T) string {
	t.Helper()
	id, err := wallet.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	return id.Address
}

func addWallet(t *testing.T, db *store.Store, role store.Role, solved uint64) *wallet.Identity {
	t.Helper()
	id, err := wallet.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, db.CreateWallet(context.Background(), &store.Wallet{
		Address:    id.Address,
		PublicKey:  id.PublicKey,
		SigningKey: id.Seed(),
		Role:       role,
		State:      store.Active,
		Solved:     solved,
	}))
	return id
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSweepRoutesByRole(t *testing.T) {
	db := openStore(t)
	userAddr := newAddress(t)
	feeAddr := newAddress(t)
	policy, err := fee.NewPolicy(fee.Config{Fraction: 0.1, Address: feeAddr})
	require.NoError(t, err)

	user := addWallet(t, db, store.RoleUser, 3)
	dev := addWallet(t, db, store.RoleDeveloperFee, 2)

	remote := mocks.NewMockRemote(gomock.NewController(t))
	remote.EXPECT().Balance(gomock.Any(), user.Address).Return(uint64(3), nil)
	remote.EXPECT().Balance(gomock.Any(), dev.Address).Return(uint64(2), nil)
	remote.EXPECT().Transfer(gomock.Any(), userAddr, user.Address, gomock.Any()).
		DoAndReturn(func(_ context.Context, dest, _ string, sig string) error {
			payload, err := wallet.Verify(user.PublicKey, sig)
			require.NoError(t, err)
			require.Equal(t, wallet.ConsolidationMessage(dest), string(payload))
			return nil
		})
	remote.EXPECT().Transfer(gomock.Any(), feeAddr, dev.Address, gomock.Any()).Return(nil)

	cfg := consolidation.DefaultConfig()
	cfg.Address = userAddr
	svc := consolidation.New(db, remote, policy, cfg)

	report, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Transferred)

	w, err := db.Wallet(context.Background(), user.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(3), w.Swept)
	require.Zero(t, w.Unswept())
}

func TestSweepIsolatesFailures(t *testing.T) {
	db := openStore(t)
	policy, err := fee.NewPolicy(fee.DefaultConfig())
	require.NoError(t, err)

	failing := addWallet(t, db, store.RoleUser, 1)
	healthy := addWallet(t, db, store.RoleUser, 1)
	boom := errors.New("boom")

	remote := mocks.NewMockRemote(gomock.NewController(t))
	remote.EXPECT().Balance(gomock.Any(), gomock.Any()).Return(uint64(1), nil).Times(2)
	remote.EXPECT().Transfer(gomock.Any(), gomock.Any(), failing.Address, gomock.Any()).Return(boom)
	remote.EXPECT().Transfer(gomock.Any(), gomock.Any(), healthy.Address, gomock.Any()).Return(nil)

	cfg := consolidation.DefaultConfig()
	cfg.Address = newAddress(t)
	svc := consolidation.New(db, remote, policy, cfg)

	report, err := svc.Sweep(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, report.Transferred)
	require.Equal(t, 1, report.Failed)

	w, err := db.Wallet(context.Background(), failing.Address)
	require.NoError(t, err)
	require.Contains(t, w.LastError, "boom")
	require.Equal(t, uint64(1), w.Unswept())

	w, err = db.Wallet(context.Background(), healthy.Address)
	require.NoError(t, err)
	require.Empty(t, w.LastError)
	require.Zero(t, w.Unswept())
}

func TestSweepFallsBackToLocalBalance(t *testing.T) {
	db := openStore(t)
	policy, err := fee.NewPolicy(fee.DefaultConfig())
	require.NoError(t, err)

	addWallet(t, db, store.RoleUser, 0)
	earned := addWallet(t, db, store.RoleUser, 4)

	remote := mocks.NewMockRemote(gomock.NewController(t))
	remote.EXPECT().Balance(gomock.Any(), gomock.Any()).Return(uint64(0), api.ErrNotFound).Times(2)
	remote.EXPECT().Transfer(gomock.Any(), gomock.Any(), earned.Address, gomock.Any()).Return(nil)

	cfg := consolidation.DefaultConfig()
	cfg.Address = newAddress(t)
	svc := consolidation.New(db, remote, policy, cfg)

	report, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Transferred)
	require.Equal(t, 1, report.Skipped)
}

func TestSweepWithoutDestination(t *testing.T) {
	db := openStore(t)
	policy, err := fee.NewPolicy(fee.DefaultConfig())
	require.NoError(t, err)
	addWallet(t, db, store.RoleUser, 5)

	// No calls are expected on the remote.
	remote := mocks.NewMockRemote(gomock.NewController(t))
	svc := consolidation.New(db, remote, policy, consolidation.DefaultConfig())

	report, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, consolidation.Report{}, report)
}

func TestSweepSkipsInactiveWallets(t *testing.T) {
	db := openStore(t)
	policy, err := fee.NewPolicy(fee.DefaultConfig())
	require.NoError(t, err)
	id := addWallet(t, db, store.RoleUser, 5)
	_, err = db.UpdateWallet(context.Background(), id.Address, func(w *store.Wallet) error {
		w.State = store.Disabled
		return nil
	})
	require.NoError(t, err)

	remote := mocks.NewMockRemote(gomock.NewController(t))
	cfg := consolidation.DefaultConfig()
	cfg.Address = newAddress(t)
	svc := consolidation.New(db, remote, policy, cfg)

	report, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Transferred)
}
