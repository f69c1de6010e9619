package migrations

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/wallet"
)

const migratedSuffix = ".migrated"

// legacyPatterns match the JSON wallet pools kept by older releases, a
// single wallets.json or one file per GPU.
var legacyPatterns = []string{"wallets.json", "wallets_gpu_*.json"}

type legacyPool struct {
	Wallets []legacyWallet `json:"wallets"`
}

type legacyWallet struct {
	Address          string   `json:"address"`
	SigningKey       string   `json:"signing_key"`
	PublicKey        string   `json:"pubkey"`
	Signature        string   `json:"signature"`
	CreatedAt        string   `json:"created_at"`
	IsConsolidated   bool     `json:"is_consolidated"`
	IsDevWallet      bool     `json:"is_dev_wallet"`
	SolvedChallenges []string `json:"solved_challenges"`
}

func migrateLegacyWallets(ctx context.Context, db *store.Store, dataDir string) error {
	var files []string
	for _, pattern := range legacyPatterns {
		matches, err := filepath.Glob(filepath.Join(dataDir, pattern))
		if err != nil {
			return err
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil
	}

	logger := logging.FromContext(ctx)
	for _, file := range files {
		imported, err := importPool(ctx, db, file)
		if err != nil {
			return fmt.Errorf("importing wallets from %s: %w", file, err)
		}
		if err := os.Rename(file, file+migratedSuffix); err != nil {
			return fmt.Errorf("marking %s as migrated: %w", file, err)
		}
		logger.Info("imported legacy wallets", zap.String("file", file), zap.Int("count", imported))
	}
	return nil
}

func importPool(ctx context.Context, db *store.Store, file string) (int, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}
	var pool legacyPool
	if err := json.Unmarshal(data, &pool); err != nil {
		return 0, fmt.Errorf("decoding: %w", err)
	}

	logger := logging.FromContext(ctx)
	imported := 0
	for _, lw := range pool.Wallets {
		w, err := convert(lw)
		if err != nil {
			logger.Warn("skipping legacy wallet", zap.String("wallet", lw.Address), zap.Error(err))
			continue
		}
		err = db.CreateWallet(ctx, w)
		switch {
		case errors.Is(err, store.ErrWalletExists):
			continue
		case err != nil:
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func convert(lw legacyWallet) (*store.Wallet, error) {
	seed, err := hex.DecodeString(lw.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decoding signing key: %w", err)
	}
	id, err := wallet.IdentityFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if id.Address != lw.Address {
		return nil, fmt.Errorf("signing key belongs to %s", id.Address)
	}
	if lw.PublicKey != "" {
		pub, err := hex.DecodeString(lw.PublicKey)
		if err != nil || !bytes.Equal(pub, id.PublicKey) {
			return nil, errors.New("public key does not match signing key")
		}
	}

	w := &store.Wallet{
		Address:    id.Address,
		PublicKey:  id.PublicKey,
		SigningKey: id.Seed(),
		Signature:  lw.Signature,
		Role:       store.RoleUser,
		State:      store.Unregistered,
		Solved:     uint64(len(lw.SolvedChallenges)),
	}
	if lw.IsDevWallet {
		w.Role = store.RoleDeveloperFee
	}
	// Pools only ever held wallets that registered successfully.
	if lw.Signature != "" {
		w.State = store.Active
	}
	for _, challengeID := range lw.SolvedChallenges {
		w.AddExhausted(challengeID)
	}
	if lw.IsConsolidated {
		w.Swept = w.Solved
	}
	if created, err := time.ParseInLocation("2006-01-02T15:04:05.999999", lw.CreatedAt, time.Local); err == nil {
		w.CreatedAt = created.UnixNano()
	}
	return w, nil
}
