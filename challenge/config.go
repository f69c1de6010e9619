package challenge

import "time"

const (
	defaultPollInterval = 10 * time.Second
	defaultTTL          = 24 * time.Hour
)

func DefaultConfig() Config {
	return Config{
		PollInterval: defaultPollInterval,
		TTL:          defaultTTL,
	}
}

//nolint:lll
type Config struct {
	PollInterval time.Duration `long:"challenge-poll-interval" description:"How often the open challenge list is refreshed"`
	TTL          time.Duration `long:"challenge-ttl"           description:"Lifetime assumed for challenges that carry no submission deadline"`
	CloseMargin  time.Duration `long:"challenge-close-margin"  description:"Stop offering a challenge this long before it closes"`
}
