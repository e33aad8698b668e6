// Package coachlinesdk is a minimal Coachline HTTP API client.
package coachlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Coachline server.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Game represents the API game model (partial).
type Game struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	State       string `json:"state"`
	PlayerColor string `json:"player_color"`
	Opponent    string `json:"opponent,omitempty"`
	Tier        string `json:"tier"`
	CreatedAt   string `json:"created_at"`
}

// PipelineRun is the status record of one coaching pass.
type PipelineRun struct {
	ID     string `json:"id"`
	GameID string `json:"game_id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Question is one coaching question.
type Question struct {
	ID            string  `json:"id"`
	KeyPositionID string  `json:"key_position_id"`
	Category      string  `json:"category"`
	Text          string  `json:"text"`
	Answer        *string `json:"answer,omitempty"`
	Skipped       bool    `json:"skipped"`
}

// KeyPosition is a selected position.
type KeyPosition struct {
	ID         string `json:"id"`
	GameID     string `json:"game_id"`
	Ord        int    `json:"ord"`
	FEN        string `json:"fen"`
	Ply        int    `json:"ply"`
	ReasonCode string `json:"reason_code"`
}

// Reflection is the closing summary.
type Reflection struct {
	Summary         string   `json:"summary"`
	MissingElements []string `json:"missing_elements"`
	Habits          []string `json:"habits"`
}

// Approval is a guardian approval record.
type Approval struct {
	ID        string `json:"id"`
	GameID    string `json:"game_id"`
	Tier      string `json:"tier"`
	Approved  bool   `json:"approved"`
	Used      bool   `json:"used"`
	ExpiresAt string `json:"expires_at"`
}

// NextQuestion pairs the question with its position. Complete is set once
// every question reached a terminal state.
type NextQuestion struct {
	Complete  bool         `json:"complete"`
	Question  *Question    `json:"question,omitempty"`
	Position  *KeyPosition `json:"position,omitempty"`
	Remaining int          `json:"remaining"`
}

// SubmitResult is the response to a submission.
type SubmitResult struct {
	Game Game        `json:"game"`
	Run  PipelineRun `json:"run"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateGame registers a game.
func (c *Client) CreateGame(ctx context.Context, playerColor, pgn, tier string) (Game, error) {
	body := map[string]any{
		"player_color": playerColor,
		"pgn":          pgn,
	}
	if tier != "" {
		body["tier"] = tier
	}
	var resp Game
	err := c.do(ctx, http.MethodPost, "v0/games", body, &resp)
	return resp, err
}

// Submit sends a game to coaching.
func (c *Client) Submit(ctx context.Context, gameID string) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.gamePath(gameID, "submit"), map[string]any{}, &resp)
	return resp, err
}

// RunStatus returns the latest pipeline run.
func (c *Client) RunStatus(ctx context.Context, gameID string) (PipelineRun, error) {
	var resp PipelineRun
	err := c.do(ctx, http.MethodGet, c.gamePath(gameID, "run"), nil, &resp)
	return resp, err
}

// NextQuestion fetches the first unanswered question.
func (c *Client) NextQuestion(ctx context.Context, gameID string) (NextQuestion, error) {
	var resp NextQuestion
	err := c.do(ctx, http.MethodGet, c.gamePath(gameID, "questions/next"), nil, &resp)
	return resp, err
}

// Answer answers a question.
func (c *Client) Answer(ctx context.Context, gameID, questionID, answer string) (bool, error) {
	var resp struct {
		Completed bool `json:"completed"`
	}
	endpoint := c.gamePath(gameID, fmt.Sprintf("questions/%s/answer", url.PathEscape(questionID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"answer": answer}, &resp)
	return resp.Completed, err
}

// Skip skips a question.
func (c *Client) Skip(ctx context.Context, gameID, questionID string) (bool, error) {
	var resp struct {
		Completed bool `json:"completed"`
	}
	endpoint := c.gamePath(gameID, fmt.Sprintf("questions/%s/answer", url.PathEscape(questionID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"skip": true}, &resp)
	return resp.Completed, err
}

// Reflection fetches the closing reflection.
func (c *Client) Reflection(ctx context.Context, gameID string) (Reflection, error) {
	var resp Reflection
	err := c.do(ctx, http.MethodGet, c.gamePath(gameID, "reflection"), nil, &resp)
	return resp, err
}

// RequestApproval opens a guardian approval request.
func (c *Client) RequestApproval(ctx context.Context, gameID, tier string, validForHours int) (Approval, error) {
	body := map[string]any{"tier": tier}
	if validForHours > 0 {
		body["valid_for_hours"] = validForHours
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.gamePath(gameID, "approvals"), body, &resp)
	return resp, err
}

// DecideApproval records a guardian decision.
func (c *Client) DecideApproval(ctx context.Context, approvalID string, approved bool) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("v0/approvals/%s/decision", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"approved": approved}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) gamePath(gameID, p string) string {
	return fmt.Sprintf("v0/games/%s/%s", url.PathEscape(gameID), strings.TrimLeft(p, "/"))
}
