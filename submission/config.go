package submission

import (
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	defaultBackoff     = time.Second
	defaultMaxBackoff  = time.Minute
	defaultConcurrency = 4
	defaultCacheSize   = 4096
)

func DefaultConfig() Config {
	return Config{
		Backoff:     defaultBackoff,
		MaxBackoff:  defaultMaxBackoff,
		Concurrency: defaultConcurrency,
		CacheSize:   defaultCacheSize,
	}
}

//nolint:lll
type Config struct {
	Backoff     time.Duration `long:"submit-backoff"     description:"Delay before the first retry of a failed submission"`
	MaxBackoff  time.Duration `long:"submit-max-backoff" description:"Upper bound of the delay between submission retries"`
	Concurrency int           `long:"submit-concurrency" description:"Submissions sent to the service at the same time"`
	CacheSize   int           `long:"submit-cache-size"  description:"Number of resolved solutions remembered in memory"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("backoff", c.Backoff)
	enc.AddDuration("max_backoff", c.MaxBackoff)
	enc.AddInt("concurrency", c.Concurrency)
	enc.AddInt("cache_size", c.CacheSize)
	return nil
}
