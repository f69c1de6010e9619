package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

const (
	defaultDuration   = 10 * time.Second
	defaultBatch      = 2000
	defaultDifficulty = "000FFFFF"
)

// config defines the configuration options for enginebench.
type config struct {
	Duration   time.Duration `short:"d" long:"duration"   description:"How long to run the engine"`
	Batch      uint64        `short:"b" long:"batch"      description:"Nonces per batch"`
	Difficulty string        `long:"difficulty"           description:"Difficulty mask of the synthetic challenge"`
	EngineCmd  string        `long:"engine-cmd"           description:"External engine executable. Empty benchmarks the builtin engine"`
	EngineArgs []string      `long:"engine-arg"           description:"Argument passed to the external engine. Can be repeated"`
	GPU        bool          `long:"gpu"                  description:"Run the external engine in GPU mode"`
	Device     int           `long:"device"               description:"Device index passed to the external engine"`
	CPU        bool          `short:"c" long:"cpuprofile" description:"whether to enable CPU profiling"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		Duration:   defaultDuration,
		Batch:      defaultBatch,
		Difficulty: defaultDifficulty,
	}

	// Parse command line options.
	if _, err := flags.Parse(&cfg); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		return nil, err
	}

	return &cfg, nil
}
