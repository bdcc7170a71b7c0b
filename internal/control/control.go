// Package control talks to a running backend over loopback HTTP: the
// cooperative shutdown request and the health probe.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultShutdownPath    = "/api/shutdown"
	DefaultHealthPath      = "/api/health"
	DefaultShutdownTimeout = 3 * time.Second
	DefaultHealthTimeout   = 2 * time.Second
)

type Config struct {
	Host            string        `mapstructure:"host" json:"host"`
	ShutdownPath    string        `mapstructure:"shutdown_path" json:"shutdown_path"`
	HealthPath      string        `mapstructure:"health_path" json:"health_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout" json:"health_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Host:            DefaultHost,
		ShutdownPath:    DefaultShutdownPath,
		HealthPath:      DefaultHealthPath,
		ShutdownTimeout: DefaultShutdownTimeout,
		HealthTimeout:   DefaultHealthTimeout,
	}
}

// Client issues control requests. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.ShutdownPath == "" {
		cfg.ShutdownPath = def.ShutdownPath
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.New().
		SetHeader("User-Agent", "wsvisor").
		SetRedirectPolicy(resty.NoRedirectPolicy())
	return &Client{cfg: cfg, http: rc, logger: logger}
}

func (c *Client) url(port int, path string) string {
	return "http://" + net.JoinHostPort(c.cfg.Host, strconv.Itoa(port)) + path
}

// Shutdown asks the backend on port to exit. nil means a 2xx acknowledgement.
func (c *Client) Shutdown(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()
	u := c.url(port, c.cfg.ShutdownPath)
	resp, err := c.http.R().SetContext(ctx).Post(u)
	if err != nil {
		return fmt.Errorf("shutdown request %s: %w", u, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("shutdown request %s: status %d", u, resp.StatusCode())
	}
	c.logger.Debug("shutdown acknowledged", "url", u, "status", resp.StatusCode())
	return nil
}

// Healthy reports whether something answers the health endpoint with 2xx.
func (c *Client) Healthy(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Get(c.url(port, c.cfg.HealthPath))
	if err != nil {
		return false
	}
	return resp.IsSuccess()
}
