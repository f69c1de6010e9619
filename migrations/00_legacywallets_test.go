package migrations

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidewell/minerd/store"
	"github.com/tidewell/minerd/wallet"
)

func TestConvertChecksKeyOwnership(t *testing.T) {
	id, err := wallet.GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	other, err := wallet.GenerateIdentity(rand.Reader)
	require.NoError(t, err)

	_, err = convert(legacyWallet{Address: other.Address, SigningKey: hex.EncodeToString(id.Seed())})
	require.ErrorContains(t, err, "signing key belongs to")

	_, err = convert(legacyWallet{
		Address:    id.Address,
		SigningKey: hex.EncodeToString(id.Seed()),
		PublicKey:  hex.EncodeToString(other.PublicKey),
	})
	require.Error(t, err)

	w, err := convert(legacyWallet{
		Address:          id.Address,
		SigningKey:       hex.EncodeToString(id.Seed()),
		IsConsolidated:   true,
		SolvedChallenges: []string{"a", "b", "a"},
	})
	require.NoError(t, err)
	require.Equal(t, store.Unregistered, w.State)
	require.Equal(t, uint64(3), w.Solved)
	require.Len(t, w.Exhausted, 2)
	require.Zero(t, w.Unswept())
	require.Zero(t, w.CreatedAt)
}
