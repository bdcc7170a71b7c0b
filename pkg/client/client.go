package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/loykin/wsvisor/internal/supervisor"
)

// Client talks to a running wsvisor daemon over its HTTP API.
type Client struct {
	baseURL string
	http    *resty.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds a single request. Stop and StopAll run the full stop
	// protocol on the daemon, so keep it above the configured stop budgets.
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:18990/api",
		Timeout: 30 * time.Second,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	rc := resty.New().
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "wsvisor-client")
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    rc,
		logger:  config.Logger,
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.http.R().SetContext(ctx).Get(c.baseURL + "/processes")
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	ok := resp.StatusCode() != http.StatusNotFound
	c.logger.Debug("daemon reachability check", "reachable", ok, "status", resp.StatusCode())
	return ok
}

func (c *Client) Status(ctx context.Context, ws string) (supervisor.Status, error) {
	var st supervisor.Status
	err := c.do(ctx, http.MethodGet, "/status", map[string]string{"workspace": ws}, &st)
	return st, err
}

func (c *Client) Start(ctx context.Context, ws string) (supervisor.Status, error) {
	c.logger.Debug("starting workspace backend", "workspace", ws)
	var st supervisor.Status
	err := c.do(ctx, http.MethodPost, "/start", map[string]string{"workspace": ws}, &st)
	return st, err
}

func (c *Client) Stop(ctx context.Context, ws string) (supervisor.Status, error) {
	c.logger.Debug("stopping workspace backend", "workspace", ws)
	var st supervisor.Status
	err := c.do(ctx, http.MethodPost, "/stop", map[string]string{"workspace": ws}, &st)
	return st, err
}

func (c *Client) Alive(ctx context.Context, ws string) (bool, error) {
	var r AliveResponse
	err := c.do(ctx, http.MethodGet, "/alive", map[string]string{"workspace": ws}, &r)
	return r.Alive, err
}

// Log returns up to tail bytes of the workspace log; tail <= 0 uses the
// daemon default.
func (c *Client) Log(ctx context.Context, ws string, tail int64) (supervisor.LogChunk, error) {
	q := map[string]string{"workspace": ws}
	if tail > 0 {
		q["tail"] = strconv.FormatInt(tail, 10)
	}
	var chunk supervisor.LogChunk
	err := c.do(ctx, http.MethodGet, "/log", q, &chunk)
	return chunk, err
}

func (c *Client) Adopt(ctx context.Context, ws string, pid int) (supervisor.Status, error) {
	var st supervisor.Status
	err := c.do(ctx, http.MethodPost, "/adopt", map[string]string{"workspace": ws, "pid": strconv.Itoa(pid)}, &st)
	return st, err
}

func (c *Client) Processes(ctx context.Context) ([]supervisor.ProcessInfo, error) {
	var out []supervisor.ProcessInfo
	err := c.do(ctx, http.MethodGet, "/processes", nil, &out)
	return out, err
}

func (c *Client) StopAll(ctx context.Context) (supervisor.StopAllReport, error) {
	var rep supervisor.StopAllReport
	err := c.do(ctx, http.MethodPost, "/stop-all", nil, &rep)
	return rep, err
}

func (c *Client) Reconcile(ctx context.Context) (supervisor.ReconcileReport, error) {
	var rep supervisor.ReconcileReport
	err := c.do(ctx, http.MethodPost, "/reconcile", nil, &rep)
	return rep, err
}

// do performs a request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, out any) error {
	url := c.baseURL + path
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Execute(method, url)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	if !resp.IsSuccess() {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) apiError(resp *resty.Response) error {
	e := &APIError{StatusCode: resp.StatusCode()}
	var body ErrorResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		e.Message = strings.TrimSpace(string(resp.Body()))
		c.logger.Error("failed to decode error response", "status", resp.StatusCode())
		return e
	}
	e.Code, e.Message = body.Code, body.Error
	e.LogPath, e.LogTail = body.LogPath, body.LogTail
	c.logger.Debug("API request failed", "error", body.Error, "code", body.Code, "status", resp.StatusCode())
	return e
}
