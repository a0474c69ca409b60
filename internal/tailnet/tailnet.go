// Package tailnet joins the daemon to a Tailscale network via tsnet so
// remote clients can reach the API and SSH attach without exposing a
// public port.
//
// Runs entirely in userspace, no tailscale binary or root required.
// Setting a control URL points the node at a self-hosted Headscale
// instead of the default coordination server.
package tailnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/Helmi/cacd/internal/config"
)

// Client wraps a tsnet node.
type Client struct {
	server *tsnet.Server
	logger *slog.Logger
}

// New prepares a tsnet node from the daemon config. Nothing connects
// until Start.
func New(cfg config.Tailscale, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Hostname == "" {
		return nil, fmt.Errorf("tailscale hostname is required")
	}

	dir, err := config.ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolving state directory: %w", err)
	}
	stateDir := filepath.Join(dir, "tsnet")
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	server := &tsnet.Server{
		Hostname:   cfg.Hostname,
		Dir:        stateDir,
		ControlURL: cfg.ControlURL,
		AuthKey:    cfg.AuthKey,
		Logf:       func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
	}

	return &Client{server: server, logger: logger}, nil
}

// Start brings the node up and blocks until it has joined the tailnet.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("joining tailnet",
		"hostname", c.server.Hostname,
		"control_url", c.server.ControlURL,
	)

	status, err := c.server.Up(ctx)
	if err != nil {
		return fmt.Errorf("joining tailnet: %w", err)
	}

	c.logger.Info("tailnet up",
		"ips", status.TailscaleIPs,
		"backend_state", status.BackendState,
	)
	return nil
}

// Close disconnects the node.
func (c *Client) Close() error {
	return c.server.Close()
}

// Listen opens a listener on the tailnet.
func (c *Client) Listen(network, addr string) (net.Listener, error) {
	return c.server.Listen(network, addr)
}

// TailscaleIPs returns this node's tailnet addresses.
func (c *Client) TailscaleIPs() []string {
	ip4, ip6 := c.server.TailscaleIPs()
	var out []string
	if ip4.IsValid() {
		out = append(out, ip4.String())
	}
	if ip6.IsValid() {
		out = append(out, ip6.String())
	}
	return out
}

// Hostname returns the configured tailnet hostname.
func (c *Client) Hostname() string {
	return c.server.Hostname
}
