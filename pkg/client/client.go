// Package client is a Go client for the Plantain schedule API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/muaviaUsmani/plantain/internal/api"
	"github.com/muaviaUsmani/plantain/internal/history"
	"github.com/muaviaUsmani/plantain/internal/serialization"
	"github.com/muaviaUsmani/plantain/internal/task"
)

type (
	// Task is a scheduled task as returned by the server
	Task = api.Task
	// Trigger says when a task fires; set exactly one of its fields besides Timezone
	Trigger = api.TriggerSpec
	// Firing is the latest recorded firing of a task
	Firing = history.Firing
	// Filter narrows GetSchedules
	Filter = task.Filter
)

// ErrNotFound is returned when the server has no such task or firing
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("plantain api: %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 responses to ErrNotFound
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client talks to one Plantain server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the server at baseURL, e.g. "http://localhost:8080"
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay is a Trigger firing once after d (rounded down to whole seconds)
func Delay(d time.Duration) Trigger {
	secs := int64(d / time.Second)
	return Trigger{DelaySeconds: &secs}
}

// At is a Trigger firing once at t
func At(t time.Time) Trigger {
	return Trigger{At: t.Format(time.RFC3339Nano)}
}

// Cron is a Trigger firing every time expr matches in zone tz (empty means UTC)
func Cron(expr, tz string) Trigger {
	return Trigger{Cron: expr, Timezone: tz}
}

// Schedule creates a task on actor. The payload is encoded with the default serializer, so
// proto messages travel as protobuf and everything else as JSON. A nil payload sends none.
func (c *Client) Schedule(ctx context.Context, actor string, trigger Trigger, callback string, payload interface{}) (*Task, error) {
	data, err := serialization.Default.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	req := api.ScheduleRequest{
		Trigger:      trigger,
		Callback:     callback,
		PayloadBytes: data,
	}

	var out Task
	if err := c.do(ctx, http.MethodPost, c.schedulesPath(actor), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSchedules lists the tasks of actor matching f
func (c *Client) GetSchedules(ctx context.Context, actor string, f Filter) ([]*Task, error) {
	q := url.Values{}
	if f.Kind != "" {
		q.Set("type", string(f.Kind))
	}
	if !f.From.IsZero() {
		q.Set("from", strconv.FormatInt(f.From.UnixMilli(), 10))
	}
	if !f.To.IsZero() {
		q.Set("to", strconv.FormatInt(f.To.UnixMilli(), 10))
	}

	var out []*Task
	if err := c.do(ctx, http.MethodGet, c.schedulesPath(actor), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSchedule returns one task, or an error wrapping ErrNotFound
func (c *Client) GetSchedule(ctx context.Context, actor, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, c.taskPath(actor, id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSchedule cancels a task and reports whether it still existed
func (c *Client) CancelSchedule(ctx context.Context, actor, id string) (bool, error) {
	var out api.CancelResponse
	if err := c.do(ctx, http.MethodDelete, c.taskPath(actor, id), nil, nil, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// History returns the latest firing of a task. A positive wait blocks server-side until a
// firing is recorded or wait passes.
func (c *Client) History(ctx context.Context, actor, id string, wait time.Duration) (*Firing, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
	}

	var out Firing
	if err := c.do(ctx, http.MethodGet, c.taskPath(actor, id)+"/history", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) schedulesPath(actor string) string {
	return "/actors/" + url.PathEscape(actor) + "/schedules"
}

func (c *Client) taskPath(actor, id string) string {
	return c.schedulesPath(actor) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
