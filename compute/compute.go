// Package compute runs compute engines on worker slots against the
// assignments handed out by the wallet pool.
package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidewell/minerd/challenge"
)

var (
	ErrEngineFault = errors.New("compute engine fault")
	ErrNoSlots     = errors.New("no compute slots configured")
)

type Kind int

const (
	GPU Kind = iota
	CPU
)

func (k Kind) String() string {
	switch k {
	case GPU:
		return "gpu"
	case CPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// Work is one batch of nonces to try for a wallet's challenge.
type Work struct {
	Wallet     string
	Challenge  challenge.Challenge
	StartNonce uint64
	BatchSize  uint64
}

// SaltPrefix is the input every nonce of the batch is hashed with.
func (w Work) SaltPrefix() string {
	c := w.Challenge
	return w.Wallet + c.ID + c.Difficulty + c.NoPreMine + c.LatestSubmission + c.NoPreMineHour
}

// Result of a batch. Hashes is the number of nonces actually tried.
type Result struct {
	Found  bool
	Nonce  string
	Hash   string
	Hashes uint64
}

// FormatNonce renders a nonce the way the service expects it.
func FormatNonce(n uint64) string {
	return fmt.Sprintf("%016x", n)
}

//go:generate mockgen -package mocks -destination mocks/engine.go . Engine

// Engine attempts batches for one slot. Implementations are not safe for
// concurrent use; each slot owns its engine.
type Engine interface {
	Name() string
	Attempt(ctx context.Context, work Work) (Result, error)
	Close() error
}

// Slot is one schedulable unit of compute capacity bound to a device.
type Slot struct {
	ID        int
	Kind      Kind
	Device    int
	BatchSize uint64
	Engine    Engine
}

func (s *Slot) String() string {
	return fmt.Sprintf("%s-%d", s.Kind, s.Device)
}
