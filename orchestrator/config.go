package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"github.com/tidewell/minerd/api"
	"github.com/tidewell/minerd/challenge"
	"github.com/tidewell/minerd/compute"
	"github.com/tidewell/minerd/consolidation"
	"github.com/tidewell/minerd/fee"
	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/submission"
	"github.com/tidewell/minerd/wallet"
)

const (
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 5
	defaultMaxLogFileSize = 10
	defaultBackupFilename = "wallets.bin"

	defaultDrainGrace    = 30 * time.Second
	defaultStatsInterval = time.Minute
)

// Config defines the configuration options for minerd.
//
// Values are loaded from defaults, then an optional ini file, then the
// command line.
type Config struct {
	BaseDir        string  `long:"basedir"        description:"The base directory that contains minerd's data, logs, configuration file, etc."`
	ConfigFile     string  `long:"configfile"     description:"Path to configuration file"                                                      short:"c"`
	DataDir        string  `long:"datadir"        description:"The directory to store minerd's state within"                                    short:"b"`
	LogDir         string  `long:"logdir"         description:"Directory to log output"`
	DebugLog       bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog        bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles    int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	MetricsPort    *uint16 `long:"metrics-port"   description:"The port to expose metrics"`

	DrainGrace    time.Duration `long:"drain-grace"    description:"How long in-flight submissions may take to finish on shutdown"`
	StatsInterval time.Duration `long:"stats-interval" description:"Interval between session statistics log lines"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	API           api.Config           `group:"API"`
	Challenges    challenge.Config     `group:"Challenges"`
	Wallets       wallet.Config        `group:"Wallets"`
	Compute       compute.Config       `group:"Compute"`
	Submission    submission.Config    `group:"Submission"`
	Fee           fee.Config           `group:"Developer fee"`
	Consolidation consolidation.Config `group:"Consolidation"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	baseDir := "./minerd"
	if dir, err := os.UserCacheDir(); err == nil {
		baseDir = filepath.Join(dir, "minerd")
	}

	return &Config{
		BaseDir:        baseDir,
		DataDir:        filepath.Join(baseDir, defaultDataDirname),
		LogDir:         filepath.Join(baseDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DrainGrace:     defaultDrainGrace,
		StatsInterval:  defaultStatsInterval,
		API:            api.DefaultConfig(),
		Challenges:     challenge.DefaultConfig(),
		Wallets:        wallet.DefaultConfig(),
		Compute:        compute.DefaultConfig(),
		Submission:     submission.DefaultConfig(),
		Fee:            fee.DefaultConfig(),
		Consolidation:  consolidation.DefaultConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// Directories left at their defaults follow a custom base directory.
	defaultCfg := DefaultConfig()
	if cfg.BaseDir != defaultCfg.BaseDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.BaseDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.BaseDir, defaultLogDirname)
		}
	}

	cfg.BaseDir = cleanAndExpandPath(cfg.BaseDir)
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	if cfg.Wallets.BackupFile == "" {
		cfg.Wallets.BackupFile = filepath.Join(cfg.DataDir, defaultBackupFilename)
	}
	cfg.Wallets.BackupFile = cleanAndExpandPath(cfg.Wallets.BackupFile)

	for _, dir := range []string{cfg.BaseDir, cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %v: %w", dir, err)
		}
	}
	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("datadir", c.DataDir)
	enc.AddString("logdir", c.LogDir)
	enc.AddDuration("drain_grace", c.DrainGrace)
	enc.AddDuration("stats_interval", c.StatsInterval)
	if err := enc.AddObject("api", c.API); err != nil {
		return err
	}
	if err := enc.AddObject("wallets", c.Wallets); err != nil {
		return err
	}
	if err := enc.AddObject("compute", c.Compute); err != nil {
		return err
	}
	if err := enc.AddObject("submission", c.Submission); err != nil {
		return err
	}
	if err := enc.AddObject("fee", c.Fee); err != nil {
		return err
	}
	return enc.AddObject("consolidation", c.Consolidation)
}
