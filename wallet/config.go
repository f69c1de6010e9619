package wallet

import (
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	defaultPerSlot                = 10
	defaultRegistrationAttempts   = 10
	defaultRegistrationBackoff    = time.Second
	defaultRegistrationMaxBackoff = time.Minute
	defaultMaxConsecutiveFailures = 5
	defaultRegistrationWorkers    = 4
)

func DefaultConfig() Config {
	return Config{
		PerSlot:                defaultPerSlot,
		RegistrationAttempts:   defaultRegistrationAttempts,
		RegistrationBackoff:    defaultRegistrationBackoff,
		RegistrationMaxBackoff: defaultRegistrationMaxBackoff,
		MaxConsecutiveFailures: defaultMaxConsecutiveFailures,
		RegistrationWorkers:    defaultRegistrationWorkers,
	}
}

//nolint:lll
type Config struct {
	Target                 int           `long:"wallets-target"                  description:"Number of active wallets to keep. 0 sizes the pool from the compute slots"`
	PerSlot                int           `long:"wallets-per-slot"                description:"Wallets kept per compute slot when the target is derived"`
	RegistrationAttempts   uint32        `long:"wallets-registration-attempts"   description:"Registration attempts before a wallet is disabled"`
	RegistrationBackoff    time.Duration `long:"wallets-registration-backoff"    description:"Initial delay between registration attempts"`
	RegistrationMaxBackoff time.Duration `long:"wallets-registration-max-backoff" description:"Maximum delay between registration attempts"`
	MaxConsecutiveFailures int           `long:"wallets-max-consecutive-failures" description:"Give up creating wallets after this many disabled in a row"`
	RegistrationWorkers    int           `long:"wallets-registration-workers"    description:"Wallets registered concurrently"`
	BackupFile             string        `long:"wallets-backup-file"             description:"File the wallet keys are backed up to. Defaults to wallets.bin in the data directory"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("target", c.Target)
	enc.AddInt("per_slot", c.PerSlot)
	enc.AddUint32("registration_attempts", c.RegistrationAttempts)
	enc.AddDuration("registration_backoff", c.RegistrationBackoff)
	enc.AddDuration("registration_max_backoff", c.RegistrationMaxBackoff)
	enc.AddInt("max_consecutive_failures", c.MaxConsecutiveFailures)
	enc.AddInt("registration_workers", c.RegistrationWorkers)
	enc.AddString("backup_file", c.BackupFile)
	return nil
}
