package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tidewell/minerd/logging"
)

// Challenge is the wire representation of an open challenge.
type Challenge struct {
	ChallengeID      string `json:"challenge_id"`
	Difficulty       string `json:"difficulty"`
	NoPreMine        string `json:"no_pre_mine"`
	LatestSubmission string `json:"latest_submission"`
	NoPreMineHour    string `json:"no_pre_mine_hour"`
}

type challengeResponse struct {
	Code      string     `json:"code"`
	Challenge *Challenge `json:"challenge"`
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

// Client talks to the remote mining service.
//
// Idempotent queries go through a retrying HTTP client. Registration,
// submission and transfer are attempted once per call, their callers own
// the retry policy.
type Client struct {
	baseURL   *url.URL
	retrying  *retryablehttp.Client
	once      *retryablehttp.Client
	limiter   *rate.Limiter
	userAgent string
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	baseURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		baseURL:   baseURL,
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: cfg.UserAgent,
	}
	logger := &leveledLogger{logging.FromContext(ctx).Named("http").Sugar()}
	c.retrying = c.newHTTPClient(cfg, cfg.MaxRetries, logger)
	c.once = c.newHTTPClient(cfg, 0, logger)
	return c, nil
}

func (c *Client) newHTTPClient(cfg Config, retries int, logger *leveledLogger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = retries
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.Logger = logger
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.PrepareRetry = func(req *http.Request) error {
		return c.limiter.Wait(req.Context())
	}
	return client
}

// CurrentChallenge returns the currently open challenge, or nil if the
// service reports none.
func (c *Client) CurrentChallenge(ctx context.Context) (*Challenge, error) {
	var res challengeResponse
	if err := c.do(ctx, c.retrying, "challenge", http.MethodGet, []string{"challenge"}, &res); err != nil {
		return nil, err
	}
	if res.Challenge == nil || res.Challenge.ChallengeID == "" {
		return nil, nil
	}
	return res.Challenge, nil
}

// Register registers a wallet identity. Registering an identity that the
// service already knows succeeds.
func (c *Client) Register(ctx context.Context, address, signature, pubkey string) error {
	err := c.do(ctx, c.once, "register", http.MethodPost, []string{"register", address, signature, pubkey}, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code < 500 && strings.Contains(strings.ToLower(statusErr.Body), "already") {
		logging.FromContext(ctx).Debug("wallet already registered", zap.String("wallet", address))
		return nil
	}
	return err
}

// SubmitSolution submits a nonce for a (wallet, challenge) pair.
func (c *Client) SubmitSolution(ctx context.Context, address, challengeID, nonce string) error {
	return c.do(ctx, c.once, "submit solution", http.MethodPost, []string{"solution", address, challengeID, nonce}, nil)
}

// Balance returns the settled balance of a wallet. ErrNotFound means the
// service does not expose balances.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	var res balanceResponse
	if err := c.do(ctx, c.retrying, "balance", http.MethodGet, []string{"balance", address}, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

// Transfer assigns the wallet's settled balance to destination. A wallet
// already consolidated to destination succeeds.
func (c *Client) Transfer(ctx context.Context, destination, address, signature string) error {
	err := c.do(ctx, c.once, "transfer", http.MethodPost, []string{"donate_to", destination, address, signature}, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict {
		logging.FromContext(ctx).Debug("wallet already consolidated", zap.String("wallet", address))
		return nil
	}
	return err
}

func (c *Client) do(
	ctx context.Context,
	client *retryablehttp.Client,
	op, method string,
	segments []string,
	resBody any,
) error {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	requestID := uuid.New()
	logger := logging.FromContext(ctx).With(zap.String("op", op), zap.Stringer("request_id", requestID))

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: waiting for rate limiter: %w", op, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(escaped...).String(), nil)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID.String())
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	res, err := client.Do(req)
	if res == nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		logger.Debug("request failed", zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: reading response body: %v", ErrTransient, op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Debug("unexpected response", zap.Int("status", res.StatusCode))
		return &StatusError{Op: op, Code: res.StatusCode, Body: string(data)}
	}

	if resBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("%s: decoding response body: %w", op, err)
		}
	}
	return nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	*zap.SugaredLogger
}

// Error is logged as a warning: failed attempts are expected and classified by the caller.
func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}
