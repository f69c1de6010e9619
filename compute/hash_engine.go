package compute

import (
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/minio/sha256-simd"

	"github.com/tidewell/minerd/challenge"
)

const cancelCheckMask = 0xFFF

// HashEngine is the builtin CPU engine. It hashes the hex nonce followed
// by the salt prefix with SHA-256 and accepts a hash whose first 32 bits
// fit the difficulty mask.
type HashEngine struct{}

func NewHashEngine() *HashEngine {
	return &HashEngine{}
}

func (e *HashEngine) Name() string {
	return "sha256"
}

func (e *HashEngine) Attempt(ctx context.Context, w Work) (Result, error) {
	mask, err := challenge.Mask(w.Challenge.Difficulty)
	if err != nil {
		return Result{}, err
	}
	salt := w.SaltPrefix()
	buf := make([]byte, 16+len(salt))
	copy(buf[16:], salt)
	var raw [8]byte

	for i := uint64(0); i < w.BatchSize; i++ {
		if i&cancelCheckMask == 0 && ctx.Err() != nil {
			return Result{Hashes: i}, ctx.Err()
		}
		nonce := w.StartNonce + i
		binary.BigEndian.PutUint64(raw[:], nonce)
		hex.Encode(buf[:16], raw[:])
		sum := sha256.Sum256(buf)
		if binary.BigEndian.Uint32(sum[:4])|mask == mask {
			return Result{
				Found:  true,
				Nonce:  FormatNonce(nonce),
				Hash:   hex.EncodeToString(sum[:]),
				Hashes: i + 1,
			}, nil
		}
	}
	return Result{Hashes: w.BatchSize}, nil
}

// Verify recomputes the hash of nonce for w and reports whether it fits
// the difficulty mask.
func (e *HashEngine) Verify(w Work, nonce string) (bool, error) {
	mask, err := challenge.Mask(w.Challenge.Difficulty)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256([]byte(nonce + w.SaltPrefix()))
	return binary.BigEndian.Uint32(sum[:4])|mask == mask, nil
}

func (e *HashEngine) Close() error {
	return nil
}
