package api

import (
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	DefaultURL          = "https://mine.defensio.io/api"
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 3
	defaultRetryWaitMin = time.Second
	defaultRetryWaitMax = 60 * time.Second
	defaultRPS          = 10
	defaultBurst        = 10
)

func DefaultConfig() Config {
	return Config{
		URL:               DefaultURL,
		Timeout:           defaultTimeout,
		MaxRetries:        defaultMaxRetries,
		RetryWaitMin:      defaultRetryWaitMin,
		RetryWaitMax:      defaultRetryWaitMax,
		RequestsPerSecond: defaultRPS,
		Burst:             defaultBurst,
		UserAgent:         "minerd",
	}
}

//nolint:lll
type Config struct {
	URL               string        `long:"api-url"            description:"Base URL of the mining service"`
	Timeout           time.Duration `long:"api-timeout"        description:"Timeout of a single HTTP request"`
	MaxRetries        int           `long:"api-max-retries"    description:"Retries for idempotent queries (challenge, balance)"`
	RetryWaitMin      time.Duration `long:"api-retry-wait-min" description:"Minimum wait between query retries"`
	RetryWaitMax      time.Duration `long:"api-retry-wait-max" description:"Maximum wait between query retries"`
	RequestsPerSecond float64       `long:"api-rps"            description:"Maximum request rate towards the service"`
	Burst             int           `long:"api-burst"          description:"Request burst allowed above the steady rate"`
	UserAgent         string        `long:"api-user-agent"     description:"User-Agent header sent with every request"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("url", c.URL)
	enc.AddDuration("timeout", c.Timeout)
	enc.AddInt("max-retries", c.MaxRetries)
	enc.AddFloat64("rps", c.RequestsPerSecond)
	return nil
}
