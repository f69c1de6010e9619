package compute_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tidewell/minerd/compute"
)

const helperEnv = "MINERD_ENGINE_HELPER"

// TestEngineHelperProcess is not a real test. It is started as the
// external engine by the tests below.
func TestEngineHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		t.Skip("helper process")
	}
	if marker := os.Getenv(helperEnv + "_MARKER"); marker != "" {
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			_ = os.WriteFile(marker, nil, 0o600)
			os.Exit(3)
		}
	}

	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	for in.Scan() {
		var req map[string]any
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			os.Exit(2)
		}
		resp := map[string]any{"request_id": req["id"], "hashes": req["batch"]}
		switch mode {
		case "found":
			resp["found"] = true
			resp["nonce"] = req["start_nonce"]
			resp["hash"] = "00ff"
		case "error":
			resp["error"] = "out of device memory"
		case "hang":
			time.Sleep(time.Minute)
		}
		_ = out.Encode(resp)
	}
	os.Exit(0)
}

func helperEngine(t *testing.T, mode string) *compute.ExecEngine {
	t.Setenv(helperEnv, mode)
	engine := compute.NewExecEngine(
		os.Args[0],
		[]string{"-test.run=TestEngineHelperProcess", "--"},
		compute.GPU, 0,
		zaptest.NewLogger(t),
	)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })
	return engine
}

func TestExecEngineFound(t *testing.T) {
	engine := helperEngine(t, "found")
	work := compute.Work{Wallet: "addr1", Challenge: openChallenge("FFFFFFFF"), StartNonce: 255, BatchSize: 1000}

	for range 2 {
		res, err := engine.Attempt(context.Background(), work)
		require.NoError(t, err)
		require.True(t, res.Found)
		require.Equal(t, compute.FormatNonce(255), res.Nonce)
		require.EqualValues(t, 1000, res.Hashes)
	}
}

func TestExecEngineReportedError(t *testing.T) {
	engine := helperEngine(t, "error")
	_, err := engine.Attempt(context.Background(), compute.Work{Challenge: openChallenge("FFFFFFFF"), BatchSize: 1})
	require.ErrorIs(t, err, compute.ErrEngineFault)
	require.ErrorContains(t, err, "out of device memory")
}

func TestExecEngineRestartsAfterCrash(t *testing.T) {
	t.Setenv(helperEnv+"_MARKER", filepath.Join(t.TempDir(), "crashed"))
	engine := helperEngine(t, "found")
	work := compute.Work{Challenge: openChallenge("FFFFFFFF"), StartNonce: 7, BatchSize: 1}

	_, err := engine.Attempt(context.Background(), work)
	require.ErrorIs(t, err, compute.ErrEngineFault)

	res, err := engine.Attempt(context.Background(), work)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%016x", 7), res.Nonce)
}

func TestExecEngineTimeoutKillsProcess(t *testing.T) {
	engine := helperEngine(t, "hang")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := engine.Attempt(ctx, compute.Work{Challenge: openChallenge("FFFFFFFF"), BatchSize: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
