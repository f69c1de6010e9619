package wallet

import (
	"fmt"

	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/util"
)

const backupVersion uint32 = 1

type backupEntry struct {
	Address   string
	Role      uint32
	Seed      []byte
	CreatedAt int64
}

type backupFile struct {
	Wallets []backupEntry
}

// WriteBackup atomically writes the key material of wallets to filename.
func WriteBackup(filename string, wallets []*store.Wallet) error {
	var file backupFile
	for _, w := range wallets {
		file.Wallets = append(file.Wallets, backupEntry{
			Address:   w.Address,
			Role:      uint32(w.Role),
			Seed:      w.SigningKey,
			CreatedAt: w.CreatedAt,
		})
	}
	if err := util.Persist(filename, backupVersion, &file); err != nil {
		return fmt.Errorf("writing wallet backup: %w", err)
	}
	return nil
}

// ReadBackup restores wallet records from a backup file and checks that
// each key still derives its recorded address. Restored wallets are
// unregistered; registration is idempotent on the service side.
func ReadBackup(filename string) ([]*store.Wallet, error) {
	var file backupFile
	if err := util.Load(filename, backupVersion, &file); err != nil {
		return nil, fmt.Errorf("reading wallet backup: %w", err)
	}
	wallets := make([]*store.Wallet, 0, len(file.Wallets))
	for _, e := range file.Wallets {
		id, err := IdentityFromSeed(e.Seed)
		if err != nil {
			return nil, fmt.Errorf("restoring %s: %w", e.Address, err)
		}
		if id.Address != e.Address {
			return nil, fmt.Errorf("backup key for %s derives %s", e.Address, id.Address)
		}
		wallets = append(wallets, &store.Wallet{
			Address:    id.Address,
			PublicKey:  id.PublicKey,
			SigningKey: id.Seed(),
			Role:       store.Role(e.Role),
			State:      store.Unregistered,
			CreatedAt:  e.CreatedAt,
		})
	}
	return wallets, nil
}
