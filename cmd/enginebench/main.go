// Command enginebench measures the hash rate of a compute engine against a
// synthetic challenge.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"runtime"
	"runtime/pprof"
	"time"

	"go.uber.org/zap"

	"github.com/tidewell/minerd/challenge"
	"github.com/tidewell/minerd/compute"
	"github.com/tidewell/minerd/logging"
)

func main() {
	runtime.MemProfileRate = 0

	cfg, err := loadConfig()
	if err != nil {
		os.Exit(1)
	}

	if cfg.CPU {
		dir, err := os.Getwd()
		if err != nil {
			log.Fatal("cant get current dir", err)
		}

		profFilePath := path.Join(dir, "./CPU.prof")
		fmt.Printf("CPU profile: %s\n", profFilePath)

		f, err := os.Create(profFilePath)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	rank, err := challenge.Rank(cfg.Difficulty)
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(zap.WarnLevel, logging.Options{})
	var engine compute.Engine = compute.NewHashEngine()
	if cfg.EngineCmd != "" {
		kind := compute.CPU
		if cfg.GPU {
			kind = compute.GPU
		}
		engine = compute.NewExecEngine(cfg.EngineCmd, cfg.EngineArgs, kind, cfg.Device, logger)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	work := compute.Work{
		Wallet: "addr_bench",
		Challenge: challenge.Challenge{
			ID:         "**BENCH",
			Difficulty: cfg.Difficulty,
			NoPreMine:  "00",
			Rank:       rank,
		},
		BatchSize: cfg.Batch,
	}
	fmt.Printf("engine: %s, batch: %d, difficulty: %s (rank %d)\n", engine.Name(), cfg.Batch, cfg.Difficulty, rank)

	var hashes, found uint64
	t1 := time.Now()
	for ctx.Err() == nil {
		res, err := engine.Attempt(ctx, work)
		hashes += res.Hashes
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Fatal("engine failed: ", err)
		}
		if res.Found {
			found++
		}
		work.StartNonce += work.BatchSize
	}

	e := time.Since(t1)
	fmt.Printf("hashes: %d, solutions: %d, took: %s, hash rate: %.0f hashes-per-sec\n",
		hashes, found, e.Round(time.Millisecond), float64(hashes)/e.Seconds())
}
