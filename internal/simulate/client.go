package simulate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Client talks to the ranking API.
type Client struct {
	base   string
	client *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{base: baseURL, client: &http.Client{Timeout: timeout}}
}

// apiError is a non-2xx answer.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (e *apiError) Unwrap() error { return ErrUnexpectedAPI }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", ErrUnexpectedAPI, method, path, err)
	}
	return nil
}

// Healthz checks that the metrics endpoint answers.
func (c *Client) Healthz(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	return nil
}

// StartSession starts a session over family.
func (c *Client) StartSession(ctx context.Context, family, mode string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/sessions", map[string]string{"family_id": family, "mode": mode}, &s)
	return s, err
}

// Session fetches a session view.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

// Intake submits an accept or reject decision.
func (c *Client) Intake(ctx context.Context, id string, version int64, itemID, decision string) (Step, error) {
	var st Step
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/intake", map[string]any{
		"version": version, "item_id": itemID, "decision": decision,
	}, &st)
	return st, err
}

// Compare submits the winner of a pair.
func (c *Client) Compare(ctx context.Context, id string, version int64, a, b, winner string) (Step, error) {
	var st Step
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/comparisons", map[string]any{
		"version": version, "item_a": a, "item_b": b, "winner": winner,
	}, &st)
	return st, err
}

// Results returns the personal ranking of a session.
func (c *Client) Results(ctx context.Context, id string) (Results, error) {
	var r Results
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/results", nil, &r)
	return r, err
}

// FoldPending asks the server to fold every completed session now.
func (c *Client) FoldPending(ctx context.Context) (int, error) {
	var out struct {
		Folded int `json:"folded"`
	}
	err := c.do(ctx, http.MethodPost, "/admin/fold-pending", nil, &out)
	return out.Folded, err
}

// Leaderboard returns the top rows of a family.
func (c *Client) Leaderboard(ctx context.Context, family string, limit int) ([]Standing, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if family != "" {
		q.Set("family", family)
	}
	var rows []Standing
	err := c.do(ctx, http.MethodGet, "/leaderboard?"+q.Encode(), nil, &rows)
	return rows, err
}
