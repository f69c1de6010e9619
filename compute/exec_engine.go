package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type execRequest struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	SaltPrefix string `json:"salt_prefix"`
	Difficulty string `json:"difficulty"`
	StartNonce uint64 `json:"start_nonce"`
	Batch      uint64 `json:"batch"`
}

type execResponse struct {
	RequestID string `json:"request_id"`
	Found     bool   `json:"found"`
	Nonce     uint64 `json:"nonce"`
	Hash      string `json:"hash"`
	Hashes    uint64 `json:"hashes"`
	Error     string `json:"error"`
}

// ExecEngine drives an external engine process over newline delimited
// JSON on its stdin and stdout. A process that dies or stops answering
// is killed and started again on the next batch.
type ExecEngine struct {
	path   string
	args   []string
	logger *zap.Logger

	mu   sync.Mutex
	proc *process
}

type process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	enc       *json.Encoder
	responses chan execResponse
	quit      chan struct{}
	done      chan struct{}
	quitOnce  sync.Once
	err       error
}

// NewExecEngine prepares an engine for one device. The process is started
// lazily.
func NewExecEngine(path string, args []string, kind Kind, device int, logger *zap.Logger) *ExecEngine {
	full := append([]string{}, args...)
	full = append(full, "--kind", kind.String(), "--device", strconv.Itoa(device))
	return &ExecEngine{
		path:   path,
		args:   full,
		logger: logger.With(zap.String("engine", path), zap.Stringer("kind", kind), zap.Int("device", device)),
	}
}

func (e *ExecEngine) Name() string {
	return "exec:" + e.path
}

func (e *ExecEngine) ensure() (*process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		select {
		case <-e.proc.done:
			e.proc = nil
		default:
			return e.proc, nil
		}
	}

	cmd := exec.Command(e.path, e.args...) // #nosec G204
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = &zapWriter{logger: e.logger}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %w", ErrEngineFault, e.path, err)
	}
	p := &process{
		cmd:       cmd,
		stdin:     stdin,
		enc:       json.NewEncoder(stdin),
		responses: make(chan execResponse),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.read(stdout)
	e.proc = p
	e.logger.Info("started engine process", zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

func (p *process) read(stdout io.Reader) {
	defer close(p.done)
	dec := json.NewDecoder(stdout)
	for {
		var resp execResponse
		if err := dec.Decode(&resp); err != nil {
			p.err = err
			break
		}
		select {
		case p.responses <- resp:
		case <-p.quit:
			_ = p.cmd.Process.Kill()
		}
	}
	if err := p.cmd.Wait(); err != nil {
		p.err = err
	}
}

func (p *process) kill() {
	p.quitOnce.Do(func() {
		close(p.quit)
		_ = p.stdin.Close()
		_ = p.cmd.Process.Kill()
	})
	<-p.done
}

func (e *ExecEngine) reset(p *process) {
	p.kill()
	e.mu.Lock()
	if e.proc == p {
		e.proc = nil
	}
	e.mu.Unlock()
}

func (e *ExecEngine) Attempt(ctx context.Context, w Work) (Result, error) {
	p, err := e.ensure()
	if err != nil {
		return Result{}, err
	}
	req := execRequest{
		ID:         uuid.NewString(),
		Type:       "mine",
		SaltPrefix: w.SaltPrefix(),
		Difficulty: w.Challenge.Difficulty,
		StartNonce: w.StartNonce,
		Batch:      w.BatchSize,
	}
	if err := p.enc.Encode(req); err != nil {
		e.reset(p)
		return Result{}, fmt.Errorf("%w: sending request: %w", ErrEngineFault, err)
	}

	for {
		select {
		case resp := <-p.responses:
			if resp.RequestID != req.ID {
				e.logger.Debug("dropping stale engine response", zap.String("request_id", resp.RequestID))
				continue
			}
			if resp.Error != "" {
				return Result{Hashes: resp.Hashes}, fmt.Errorf("%w: %s", ErrEngineFault, resp.Error)
			}
			res := Result{Found: resp.Found, Hashes: resp.Hashes, Hash: resp.Hash}
			if resp.Found {
				res.Nonce = FormatNonce(resp.Nonce)
			}
			return res, nil
		case <-p.done:
			e.reset(p)
			return Result{}, fmt.Errorf("%w: engine process exited: %v", ErrEngineFault, p.err)
		case <-ctx.Done():
			// The batch cannot be abandoned inside the process.
			e.reset(p)
			return Result{}, ctx.Err()
		}
	}
}

func (e *ExecEngine) Close() error {
	e.mu.Lock()
	p := e.proc
	e.proc = nil
	e.mu.Unlock()
	if p != nil {
		p.kill()
	}
	return nil
}

type zapWriter struct {
	logger *zap.Logger
}

func (w *zapWriter) Write(b []byte) (int, error) {
	w.logger.Debug("engine output", zap.ByteString("line", b))
	return len(b), nil
}
