// Package oracle is the HTTP adapter for the external deliverability
// engine. The engine is a black box: one address in, one verdict out.
package oracle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"verifier_server/core/domain"
	"verifier_server/pkg/apperr"
	"verifier_server/pkg/httputil"
	"verifier_server/pkg/logger"
)

// Config for the oracle client.
type Config struct {
	BaseURL    string
	APIKey     string
	FastPath   string
	StablePath string
	Timeout    time.Duration
}

// Client implements out.Oracle. Both probe calls share one circuit
// breaker: when the engine is down, the breaker fails fast instead of
// holding worker slots on timeouts.
type Client struct {
	cfg  Config
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *logger.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.FastPath == "" {
		cfg.FastPath = "/v1/verify"
	}
	if cfg.StablePath == "" {
		cfg.StablePath = "/v1/verify/stable"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	log := logger.Default().WithField("component", "oracle_client")

	cbSettings := gobreaker.Settings{
		Name:        "verification-oracle",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("from", from.String()).WithField("to", to.String()).
				Warn("oracle circuit breaker state changed")
		},
	}

	httpCfg := httputil.DefaultClientConfig()
	httpCfg.ResponseTimeout = cfg.Timeout

	return &Client{
		cfg:  cfg,
		http: httputil.NewClient(httpCfg),
		cb:   gobreaker.NewCircuitBreaker(cbSettings),
		log:  log,
	}
}

// probeRequest is the engine's request body.
type probeRequest struct {
	Email string `json:"email"`
}

// probeResponse is the engine's wire verdict.
type probeResponse struct {
	Email        string  `json:"email"`
	Status       string  `json:"status"`
	SubStatus    string  `json:"sub_status"`
	Confidence   float64 `json:"confidence"`
	Score        int     `json:"score"`
	Domain       string  `json:"domain"`
	Provider     string  `json:"provider"`
	IsDisposable bool    `json:"is_disposable"`
	IsFree       bool    `json:"is_free"`
	IsRoleBased  bool    `json:"is_role_based"`
	Message      string  `json:"message"`
}

// categoryForStatus maps the engine's status vocabulary onto billing
// categories. Anything unrecognized is unknown, never a guess.
func categoryForStatus(status string) domain.Category {
	switch strings.ToLower(status) {
	case "valid", "deliverable", "ok":
		return domain.CategoryValid
	case "invalid", "undeliverable", "bad":
		return domain.CategoryInvalid
	case "risky", "catch-all", "catch_all", "accept_all", "do_not_mail":
		return domain.CategoryRisky
	default:
		return domain.CategoryUnknown
	}
}

// ProbeFast runs the cheap first-pass check.
func (c *Client) ProbeFast(ctx context.Context, email string) (*domain.Verdict, error) {
	return c.probe(ctx, c.cfg.FastPath, email)
}

// ProbeStable runs the slower thorough check.
func (c *Client) ProbeStable(ctx context.Context, email string) (*domain.Verdict, error) {
	return c.probe(ctx, c.cfg.StablePath, email)
}

func (c *Client) probe(ctx context.Context, path, email string) (*domain.Verdict, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return nil, apperr.OracleError(err)
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.doProbe(ctx, endpoint, email)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			c.log.WithField("email", email).Debug("oracle breaker open, failing fast")
		}
		return nil, apperr.OracleError(err)
	}
	return result.(*domain.Verdict), nil
}

func (c *Client) doProbe(ctx context.Context, endpoint, email string) (*domain.Verdict, error) {
	body, err := json.Marshal(probeRequest{Email: email})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var pr probeResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("malformed oracle response: %w", err)
	}

	v := &domain.Verdict{
		Email:        email,
		Status:       pr.Status,
		SubStatus:    pr.SubStatus,
		Category:     categoryForStatus(pr.Status),
		Confidence:   pr.Confidence,
		Score:        pr.Score,
		Domain:       pr.Domain,
		Provider:     pr.Provider,
		IsDisposable: pr.IsDisposable,
		IsFree:       pr.IsFree,
		IsRoleBased:  pr.IsRoleBased,
		Message:      pr.Message,
		Source:       domain.SourceLive,
		CheckedAt:    time.Now().UTC(),
	}
	v.ClampScore()
	return v, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
