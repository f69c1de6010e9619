// Package util holds small helpers shared by the state files of minerd.
package util

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	xdr "github.com/nullstyle/go-xdr/xdr3"
)

const fileMagic = "MNRD"

var (
	ErrNotMinerdFile   = errors.New("not a minerd file")
	ErrVersionMismatch = errors.New("unsupported file version")
)

type header struct {
	Magic   [4]byte
	Version uint32
}

// Persist writes a header carrying version followed by the xdr encoding
// of v, and atomically replaces filename with the result. The file is
// readable by its owner only.
func Persist(filename string, version uint32, v any) error {
	var w bytes.Buffer
	h := header{Version: version}
	copy(h.Magic[:], fileMagic)
	if _, err := xdr.Marshal(&w, &h); err != nil {
		return fmt.Errorf("serializing header: %w", err)
	}
	if _, err := xdr.Marshal(&w, v); err != nil {
		return fmt.Errorf("serializing: %w", err)
	}

	if err := atomic.WriteFile(filename, &w); err != nil {
		return fmt.Errorf("writing to disk: %w", err)
	}
	if err := os.Chmod(filename, 0o600); err != nil {
		return fmt.Errorf("restricting permissions: %w", err)
	}
	return nil
}

// Load decodes filename into v after checking that it was written by
// Persist with the same version.
func Load(filename string, version uint32, v any) error {
	data, err := os.ReadFile(filename) //#nosec G304
	if err != nil {
		return fmt.Errorf("loading file: %w", err)
	}

	r := bytes.NewReader(data)
	var h header
	if _, err := xdr.Unmarshal(r, &h); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotMinerdFile, filename, err)
	}
	if string(h.Magic[:]) != fileMagic {
		return fmt.Errorf("%w: %s", ErrNotMinerdFile, filename)
	}
	if h.Version != version {
		return fmt.Errorf("%w: found %d, expected %d", ErrVersionMismatch, h.Version, version)
	}

	if _, err := xdr.Unmarshal(r, v); err != nil {
		return fmt.Errorf("deserializing: %w", err)
	}
	return nil
}
