package compute

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/tidewell/minerd/logging"
)

// HostCPUSlots sizes CPU slots from the physical cores of the host,
// bounded by how many per-slot memory budgets fit into available memory.
func HostCPUSlots(ctx context.Context, memoryPerSlotMB uint64) (int, error) {
	cores, err := cpu.CountsWithContext(ctx, false)
	if err != nil || cores <= 0 {
		cores, err = cpu.CountsWithContext(ctx, true)
		if err != nil {
			return 0, fmt.Errorf("counting cpus: %w", err)
		}
	}
	slots := max(cores, 1)

	if memoryPerSlotMB > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("reading memory: %w", err)
		}
		byMemory := int(vm.Available / (memoryPerSlotMB << 20))
		slots = max(min(slots, byMemory), 1)
		logging.FromContext(ctx).Debug("sized cpu slots from host",
			zap.Int("cores", cores),
			zap.Uint64("available_mb", vm.Available>>20),
			zap.Int("slots", slots),
		)
	}
	return slots, nil
}

// EngineFactory creates the engine of a slot.
type EngineFactory func(kind Kind, device int) Engine

// DefaultEngines runs the configured external engine on every slot, or the
// builtin hash engine on CPU slots when none is configured.
func DefaultEngines(cfg Config, logger *zap.Logger) EngineFactory {
	return func(kind Kind, device int) Engine {
		if cfg.EngineCmd == "" {
			return NewHashEngine()
		}
		return NewExecEngine(cfg.EngineCmd, cfg.EngineArgs, kind, device, logger)
	}
}

// BuildSlots creates one slot per configured GPU device followed by the
// CPU slots.
func BuildSlots(ctx context.Context, cfg Config, engines EngineFactory) ([]*Slot, error) {
	if len(cfg.GPUDevices) > 0 && cfg.EngineCmd == "" {
		return nil, fmt.Errorf("gpu devices need an external engine (--engine-cmd)")
	}
	var slots []*Slot
	for _, dev := range cfg.GPUDevices {
		slots = append(slots, &Slot{
			ID:        len(slots),
			Kind:      GPU,
			Device:    dev,
			BatchSize: cfg.GPUBatch,
			Engine:    engines(GPU, dev),
		})
	}

	workers := cfg.CPUWorkers
	if workers == 0 {
		n, err := HostCPUSlots(ctx, cfg.CPUMemoryMB)
		if err != nil {
			return nil, err
		}
		workers = n
	}
	for i := range max(workers, 0) {
		slots = append(slots, &Slot{
			ID:        len(slots),
			Kind:      CPU,
			Device:    i,
			BatchSize: cfg.CPUBatch,
			Engine:    engines(CPU, i),
		})
	}
	if len(slots) == 0 {
		return nil, ErrNoSlots
	}
	return slots, nil
}
