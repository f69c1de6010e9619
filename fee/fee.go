// Package fee decides how many pool wallets work for the developer fee and
// routes their balances. Fee wallets follow the same code paths as user
// wallets; only reporting and consolidation look at the role.
package fee

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tidewell/minerd/store"
)

const (
	defaultFraction   = 0.05
	defaultMinWallets = 2
)

var ErrInvalidFraction = errors.New("fee fraction must be within [0, 0.5]")

func DefaultConfig() Config {
	return Config{
		Fraction:   defaultFraction,
		MinWallets: defaultMinWallets,
	}
}

//nolint:lll
type Config struct {
	Fraction   float64 `long:"fee-fraction"    description:"Share of pool wallets that mine for the developer fee"`
	Address    string  `long:"fee-address"     description:"Consolidation address for developer fee wallets. Empty disables the fee"`
	MinWallets int     `long:"fee-min-wallets" description:"Minimum number of developer fee wallets while the fee is enabled"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddFloat64("fraction", c.Fraction)
	enc.AddString("address", c.Address)
	enc.AddInt("min_wallets", c.MinWallets)
	return nil
}

type Policy struct {
	cfg Config
}

func NewPolicy(cfg Config) (Policy, error) {
	if math.IsNaN(cfg.Fraction) || cfg.Fraction < 0 || cfg.Fraction > 0.5 {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidFraction, cfg.Fraction)
	}
	if cfg.MinWallets < 0 {
		cfg.MinWallets = 0
	}
	return Policy{cfg: cfg}, nil
}

func (p Policy) Enabled() bool {
	return p.cfg.Fraction > 0 && p.cfg.Address != ""
}

// Split returns how many of target wallets carry the developer fee role.
// At least one wallet is always left to the user.
func (p Policy) Split(target int) int {
	if !p.Enabled() || target <= 1 {
		return 0
	}
	n := int(math.Ceil(float64(target) * p.cfg.Fraction))
	n = max(n, p.cfg.MinWallets)
	return min(n, target-1)
}

// Destination returns where balances of a wallet with the given role are
// consolidated to.
func (p Policy) Destination(role store.Role, userAddress string) string {
	if role == store.RoleDeveloperFee {
		return p.cfg.Address
	}
	return userAddress
}

// IsReported tells whether wallets of role count towards user-facing
// statistics.
func (p Policy) IsReported(role store.Role) bool {
	return role == store.RoleUser
}

// Disclose logs the effective fee settings.
func (p Policy) Disclose(logger *zap.Logger, target int) {
	if !p.Enabled() {
		logger.Info("developer fee disabled")
		return
	}
	logger.Info("developer fee enabled",
		zap.Float64("fraction", p.cfg.Fraction),
		zap.String("address", p.cfg.Address),
		zap.Int("fee_wallets", p.Split(target)),
		zap.Int("pool_target", target),
	)
}
