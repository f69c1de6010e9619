package compute

import (
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	defaultGPUBatch       = 1_000_000
	defaultCPUBatch       = 2_000
	defaultCPUMemoryMB    = 1024
	defaultAttemptTimeout = 2 * time.Minute
	defaultIdleWait       = time.Second
	defaultFaultBackoff   = 5 * time.Second
)

func DefaultConfig() Config {
	return Config{
		GPUBatch:       defaultGPUBatch,
		CPUBatch:       defaultCPUBatch,
		CPUMemoryMB:    defaultCPUMemoryMB,
		AttemptTimeout: defaultAttemptTimeout,
		IdleWait:       defaultIdleWait,
		FaultBackoff:   defaultFaultBackoff,
	}
}

//nolint:lll
type Config struct {
	GPUDevices      []int         `long:"gpu-device"       description:"GPU device to run a slot on. Can be repeated"`
	CPUWorkers      int           `long:"cpu-workers"      description:"CPU slots to run. 0 sizes from the host, negative disables CPU mining"`
	CPUMemoryMB     uint64        `long:"cpu-memory-mb"    description:"Memory budget of one CPU slot, used when sizing from the host"`
	GPUBatch        uint64        `long:"gpu-batch"        description:"Nonces per GPU batch"`
	CPUBatch        uint64        `long:"cpu-batch"        description:"Nonces per CPU batch"`
	ExhaustionLimit uint64        `long:"exhaustion-limit" description:"Batches tried on one assignment before giving up on it. 0 tries until the challenge closes"`
	AttemptTimeout  time.Duration `long:"attempt-timeout"  description:"Upper bound for one engine batch"`
	IdleWait        time.Duration `long:"idle-wait"        description:"How long an idle slot waits before looking for work again"`
	FaultBackoff    time.Duration `long:"fault-backoff"    description:"Pause of a slot after its engine faulted"`
	EngineCmd       string        `long:"engine-cmd"       description:"External engine executable. Empty uses the builtin CPU engine"`
	EngineArgs      []string      `long:"engine-arg"       description:"Argument passed to the external engine. Can be repeated"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("gpu_devices", len(c.GPUDevices))
	enc.AddInt("cpu_workers", c.CPUWorkers)
	enc.AddUint64("cpu_memory_mb", c.CPUMemoryMB)
	enc.AddUint64("gpu_batch", c.GPUBatch)
	enc.AddUint64("cpu_batch", c.CPUBatch)
	enc.AddUint64("exhaustion_limit", c.ExhaustionLimit)
	enc.AddDuration("attempt_timeout", c.AttemptTimeout)
	enc.AddString("engine_cmd", c.EngineCmd)
	return nil
}
