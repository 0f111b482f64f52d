package breaklocksdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal BreakLock HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Break is a break record as the API returns it.
type Break struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Subject          string     `json:"subject"`
	Label            string     `json:"label,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndsAt           time.Time  `json:"ends_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds"`
}

// StartResult carries the admitted break, or the caller's running one when AlreadyActive.
type StartResult struct {
	Break         Break `json:"break"`
	AlreadyActive bool  `json:"already_active"`
}

// Status is the pool snapshot.
type Status struct {
	TenantID    string     `json:"tenant_id"`
	Capacity    int        `json:"capacity"`
	ActiveCount int        `json:"active_count"`
	Locked      bool       `json:"locked"`
	NextFreeAt  *time.Time `json:"next_free_at,omitempty"`
	Active      []Break    `json:"active"`
	ServerTime  time.Time  `json:"server_time"`
}

type Capacity struct {
	TenantID  string    `json:"tenant_id"`
	Capacity  int       `json:"capacity"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Change is one notification from the change stream.
type Change struct {
	TenantID string    `json:"tenant_id"`
	Type     string    `json:"type"`
	BreakID  string    `json:"break_id,omitempty"`
	At       time.Time `json:"at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Start starts a break for the caller. A zero duration uses the server default.
func (c *Client) Start(ctx context.Context, d time.Duration) (StartResult, error) {
	var body map[string]any
	if d > 0 {
		body = map[string]any{"duration_minutes": int(d / time.Minute)}
	}
	var resp StartResult
	err := c.do(ctx, http.MethodPost, "breaks", body, &resp)
	return resp, err
}

// End ends the caller's break.
func (c *Client) End(ctx context.Context) (Break, error) {
	var resp Break
	err := c.do(ctx, http.MethodPost, "breaks/end", nil, &resp)
	return resp, err
}

// Override ends another subject's break. Requires the admin role.
func (c *Client) Override(ctx context.Context, breakID string) (Break, error) {
	var resp Break
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("breaks/%s/override", url.PathEscape(breakID)), nil, &resp)
	return resp, err
}

func (c *Client) Active(ctx context.Context) ([]Break, error) {
	var resp struct {
		Items []Break `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "breaks/active", nil, &resp)
	return resp.Items, err
}

func (c *Client) Today(ctx context.Context) ([]Break, error) {
	var resp struct {
		Items []Break `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "breaks/today", nil, &resp)
	return resp.Items, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

func (c *Client) Capacity(ctx context.Context) (Capacity, error) {
	var resp Capacity
	err := c.do(ctx, http.MethodGet, "capacity", nil, &resp)
	return resp, err
}

func (c *Client) SetCapacity(ctx context.Context, n int) (Capacity, error) {
	var resp Capacity
	err := c.do(ctx, http.MethodPut, "capacity", map[string]any{"capacity": n}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Watch subscribes to the change stream. The channel closes when ctx is done or the
// stream ends; pings are dropped.
func (c *Client) Watch(ctx context.Context) (<-chan Change, error) {
	req, err := c.request(ctx, http.MethodGet, "stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	httpClient := &http.Client{}
	if c.HTTPClient != nil {
		httpClient = &http.Client{Transport: c.HTTPClient.Transport}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	out := make(chan Change)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		event := ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if event != "" && event != "change" {
					continue
				}
				var ch Change
				if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ch); err != nil {
					continue
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			case line == "":
				event = ""
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := c.request(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
	}
	return apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
