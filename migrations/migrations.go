package migrations

import (
	"context"

	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
)

// Config names the places older state may be found in.
type Config struct {
	DataDir    string
	BackupFile string
}

// Migrate brings state left by older releases, or lost with the store,
// into db.
func Migrate(ctx context.Context, db *store.Store, cfg Config) error {
	ctx = logging.NewContext(ctx, logging.FromContext(ctx).Named("migrations"))
	if err := migrateLegacyWallets(ctx, db, cfg.DataDir); err != nil {
		return err
	}
	if err := restoreBackup(ctx, db, cfg.BackupFile); err != nil {
		return err
	}
	return nil
}
