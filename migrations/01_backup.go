package migrations

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/wallet"
)

// restoreBackup recreates the wallets of an empty store from the key
// backup. A store that already holds wallets is left alone.
func restoreBackup(ctx context.Context, db *store.Store, backupFile string) error {
	if backupFile == "" {
		return nil
	}
	if _, err := os.Stat(backupFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	existing, err := db.Wallets(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	wallets, err := wallet.ReadBackup(backupFile)
	if err != nil {
		return err
	}
	for _, w := range wallets {
		if err := db.CreateWallet(ctx, w); err != nil && !errors.Is(err, store.ErrWalletExists) {
			return fmt.Errorf("restoring wallet %s: %w", w.Address, err)
		}
	}
	logging.FromContext(ctx).Warn("restored wallets from key backup into an empty store",
		zap.String("file", backupFile),
		zap.Int("count", len(wallets)),
	)
	return nil
}
