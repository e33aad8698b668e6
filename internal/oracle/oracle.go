package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"coachline/internal/domain"
)

// Client evaluates chess positions. Implementations must return a usable
// EngineTruth or an error; the selector substitutes a neutral truth when the
// oracle is entirely unreachable.
type Client interface {
	Evaluate(ctx context.Context, fen string) (domain.EngineTruth, error)
}

// Neutral is the fallback truth recorded when no evaluation could be
// obtained. Depth 0 marks it as unverified.
func Neutral() domain.EngineTruth {
	return domain.EngineTruth{Score: 0, PrincipalMove: "", Depth: 0}
}

// HTTPClient talks to a stockfish evaluation endpoint.
type HTTPClient struct {
	URL        string
	Depth      int
	MaxElapsed time.Duration
	HTTP       *http.Client
}

func NewHTTPClient(endpoint string, depth int, timeout, maxElapsed time.Duration) *HTTPClient {
	return &HTTPClient{
		URL:        endpoint,
		Depth:      depth,
		MaxElapsed: maxElapsed,
		HTTP:       &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Success      bool     `json:"success"`
	Evaluation   *float64 `json:"evaluation"`
	Mate         *int     `json:"mate"`
	BestMove     string   `json:"bestmove"`
	Continuation string   `json:"continuation"`
}

// mateScore converts mate-in-N into a large centipawn-style score so the
// swing computation still orders positions sensibly.
func mateScore(n int) float64 {
	if n >= 0 {
		return 100
	}
	return -100
}

// Evaluate fetches an evaluation with retries on transient failures. A 4xx
// answer or a success=false body is permanent and not retried.
func (c *HTTPClient) Evaluate(ctx context.Context, fen string) (domain.EngineTruth, error) {
	var truth domain.EngineTruth

	op := func() error {
		resp, err := c.fetch(ctx, fen)
		if err != nil {
			return err
		}
		truth = resp
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = c.MaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return domain.EngineTruth{}, err
	}
	return truth, nil
}

func (c *HTTPClient) fetch(ctx context.Context, fen string) (domain.EngineTruth, error) {
	var zero domain.EngineTruth

	q := url.Values{}
	q.Set("fen", fen)
	q.Set("depth", fmt.Sprint(c.Depth))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"?"+q.Encode(), nil)
	if err != nil {
		return zero, backoff.Permanent(err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return zero, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return zero, backoff.Permanent(fmt.Errorf("oracle rejected request: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return zero, fmt.Errorf("decode oracle response: %w", err)
	}
	if !parsed.Success {
		return zero, backoff.Permanent(fmt.Errorf("oracle could not evaluate position"))
	}

	truth := domain.EngineTruth{
		PrincipalMove: parseBestMove(parsed.BestMove),
		Threats:       parseContinuation(parsed.Continuation),
		Depth:         c.Depth,
	}
	switch {
	case parsed.Mate != nil:
		truth.Score = mateScore(*parsed.Mate)
	case parsed.Evaluation != nil:
		truth.Score = *parsed.Evaluation
	}
	return truth, nil
}

// parseBestMove extracts the move from a raw "bestmove e2e4 ponder e7e5"
// engine line.
func parseBestMove(raw string) string {
	fields := strings.Fields(raw)
	for i, f := range fields {
		if f == "bestmove" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	if len(fields) == 1 {
		return fields[0]
	}
	return ""
}

// parseContinuation keeps the first few moves of the principal variation as
// the threat line shown to generation.
func parseContinuation(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
