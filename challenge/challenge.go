package challenge

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/tidewell/minerd/api"
	"github.com/tidewell/minerd/store"
)

var ErrInvalidDifficulty = errors.New("invalid difficulty")

// Challenge is an open proof-of-work task. Rank is the number of zero bits
// the difficulty mask demands in the first 32 bits; lower is easier.
type Challenge struct {
	ID               string
	Difficulty       string
	NoPreMine        string
	LatestSubmission string
	NoPreMineHour    string
	Rank             uint32
	DiscoveredAt     time.Time
	ExpiresAt        time.Time
}

func (c Challenge) OpenAt(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// implement zap.ObjectMarshaler interface.
func (c Challenge) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", c.ID)
	enc.AddString("difficulty", c.Difficulty)
	enc.AddUint32("rank", c.Rank)
	enc.AddTime("expires", c.ExpiresAt)
	return nil
}

// Mask parses the first 32 bits of a hex difficulty mask. A hash
// satisfies the mask when it sets no bit the mask leaves clear.
func Mask(difficulty string) (uint32, error) {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(difficulty)), "0x")
	if len(clean) < 8 {
		clean += strings.Repeat("0", 8-len(clean))
	}
	raw, err := hex.DecodeString(clean[:8])
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidDifficulty, difficulty, err)
	}
	return binary.BigEndian.Uint32(raw), nil
}

// Rank returns the number of zero bits in the first 32 bits of a
// difficulty mask.
func Rank(difficulty string) (uint32, error) {
	mask, err := Mask(difficulty)
	if err != nil {
		return 0, err
	}
	return uint32(32 - bits.OnesCount32(mask)), nil
}

// FromWire converts a service challenge. Expiry is the latest submission
// time when the service provides one, otherwise discovery time plus ttl.
func FromWire(w api.Challenge, now time.Time, ttl time.Duration) (Challenge, error) {
	if w.ChallengeID == "" {
		return Challenge{}, errors.New("challenge without id")
	}
	rank, err := Rank(w.Difficulty)
	if err != nil {
		return Challenge{}, err
	}
	expires := now.Add(ttl)
	if t, err := time.Parse(time.RFC3339, w.LatestSubmission); err == nil {
		expires = t
	}
	return Challenge{
		ID:               w.ChallengeID,
		Difficulty:       w.Difficulty,
		NoPreMine:        w.NoPreMine,
		LatestSubmission: w.LatestSubmission,
		NoPreMineHour:    w.NoPreMineHour,
		Rank:             rank,
		DiscoveredAt:     now,
		ExpiresAt:        expires,
	}, nil
}

func (c Challenge) Record() store.Challenge {
	return store.Challenge{
		ID:               c.ID,
		Difficulty:       c.Difficulty,
		NoPreMine:        c.NoPreMine,
		LatestSubmission: c.LatestSubmission,
		NoPreMineHour:    c.NoPreMineHour,
		Rank:             c.Rank,
		ExpiresAt:        c.ExpiresAt.UnixNano(),
	}
}

func FromRecord(r store.Challenge) Challenge {
	return Challenge{
		ID:               r.ID,
		Difficulty:       r.Difficulty,
		NoPreMine:        r.NoPreMine,
		LatestSubmission: r.LatestSubmission,
		NoPreMineHour:    r.NoPreMineHour,
		Rank:             r.Rank,
		ExpiresAt:        time.Unix(0, r.ExpiresAt),
	}
}
