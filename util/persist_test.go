package util_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidewell/minerd/util"
)

type keyFile struct {
	Keys []string
}

func TestPersistAndLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "keys.bin")
	in := keyFile{Keys: []string{"a", "b"}}
	require.NoError(t, util.Persist(file, 1, &in))

	var out keyFile
	require.NoError(t, util.Load(file, 1, &out))
	require.Equal(t, in, out)

	in.Keys = append(in.Keys, "c")
	require.NoError(t, util.Persist(file, 1, &in))
	require.NoError(t, util.Load(file, 1, &out))
	require.Len(t, out.Keys, 3)

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadChecksVersion(t *testing.T) {
	file := filepath.Join(t.TempDir(), "keys.bin")
	require.NoError(t, util.Persist(file, 2, &keyFile{Keys: []string{"a"}}))

	var out keyFile
	require.ErrorIs(t, util.Load(file, 1, &out), util.ErrVersionMismatch)
}

func TestLoadRejectsForeignFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "keys.bin")
	require.NoError(t, os.WriteFile(file, []byte("{\"keys\":[\"a\"]}"), 0o600))

	var out keyFile
	require.ErrorIs(t, util.Load(file, 1, &out), util.ErrNotMinerdFile)

	require.NoError(t, os.WriteFile(file, []byte("MN"), 0o600))
	require.ErrorIs(t, util.Load(file, 1, &out), util.ErrNotMinerdFile)
}

func TestLoadMissingFile(t *testing.T) {
	var out keyFile
	require.ErrorIs(t, util.Load(filepath.Join(t.TempDir(), "missing.bin"), 1, &out), os.ErrNotExist)
}
