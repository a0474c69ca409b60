// cacd - Control daemon for interactive coding agent sessions.
//
// This is the main entry point for the cacd CLI. The serve command runs
// the daemon that supervises agent CLIs in PTYs and publishes their
// terminal output over HTTP/WebSocket, SSH and an optional tailnet. The
// remaining commands are thin clients against a running daemon.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Helmi/cacd/internal/auth"
	"github.com/Helmi/cacd/internal/commands"
	"github.com/Helmi/cacd/internal/config"
	"github.com/Helmi/cacd/internal/daemon"
	"github.com/Helmi/cacd/internal/qr"
	"github.com/Helmi/cacd/internal/server"
	"github.com/Helmi/cacd/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "cacd",
		Short:   "Control daemon for interactive coding agent sessions",
		Version: Version,
	}
	rootCmd.PersistentFlags().String("addr", "", "Daemon address (default from config)")

	// Serve command - runs the daemon
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", "", "Override the configured listen address")
	serveCmd.Flags().String("log-level", "", "Override the configured log level")
	serveCmd.Flags().Bool("qr", false, "Print a QR code for the API endpoint")
	rootCmd.AddCommand(serveCmd)

	// Create command - start a new agent session
	createCmd := &cobra.Command{
		Use:   "create [flags] -- <command> [args...]",
		Short: "Create a new agent session",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCreate,
	}
	createCmd.Flags().String("name", "", "Session name (default derived from the repo)")
	createCmd.Flags().String("agent", "claude", "Agent identifier")
	createCmd.Flags().String("dir", "", "Working directory for the agent (default current directory)")
	createCmd.Flags().String("strategy", "", "State detection strategy (default chosen from agent)")
	createCmd.Flags().Int("cols", 0, "Initial terminal width")
	createCmd.Flags().Int("rows", 0, "Initial terminal height")
	rootCmd.AddCommand(createCmd)

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE:  runList,
	}
	listCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(listCmd)

	// Stop command
	stopCmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)

	// Attach command - interactive terminal over WebSocket
	attachCmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach this terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runAttach,
	}
	rootCmd.AddCommand(attachCmd)

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// Login command - store the judge API token
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Store the auto-approval judge token",
		RunE:  runLogin,
	}
	rootCmd.AddCommand(loginCmd)

	// Logout command - clear stored token
	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored judge token",
		RunE:  runLogout,
	}
	rootCmd.AddCommand(logoutCmd)

	// Config command with get/set/delete subcommands
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	configGetCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Print a configuration value by dot notation path (e.g. 'auto_approval.enabled')",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigGet,
	}
	configSetCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value by dot notation path",
		Args:  cobra.ExactArgs(2),
		RunE:  runConfigSet,
	}
	configDeleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a configuration key",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfigDelete,
	}
	configCmd.AddCommand(configGetCmd, configSetCmd, configDeleteCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting cacd", "version", Version, "listen", cfg.Listen)

	d := daemon.New(cfg, Version, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if showQR, _ := cmd.Flags().GetBool("qr"); showQR {
		printEndpointQR(cfg)
	}

	return d.Run(ctx)
}

// printEndpointQR renders the API endpoint as a QR code so phones on the
// same network (or tailnet) can connect without typing the address.
func printEndpointQR(cfg *config.Config) {
	endpoint := "http://" + cfg.Listen
	if cfg.Tailscale.Enabled && cfg.Tailscale.Hostname != "" {
		port := "8700"
		if i := strings.LastIndex(cfg.Listen, ":"); i >= 0 {
			port = cfg.Listen[i+1:]
		}
		endpoint = "http://" + cfg.Tailscale.Hostname + ":" + port
	}

	cols, rows := 80, 24
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		cols, rows = w, h
	}

	lines, ok := qr.Render(endpoint, cols, rows)
	if !ok {
		fmt.Fprintf(os.Stderr, "Terminal too small to render QR code for %s\n", endpoint)
		return
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	fmt.Println(endpoint)
}

func runCreate(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = cwd
	}

	name, _ := cmd.Flags().GetString("name")
	agent, _ := cmd.Flags().GetString("agent")
	strategy, _ := cmd.Flags().GetString("strategy")
	cols, _ := cmd.Flags().GetInt("cols")
	rows, _ := cmd.Flags().GetInt("rows")

	req := server.CreateSessionRequest{
		Name:         name,
		WorktreePath: dir,
		AgentID:      agent,
		Strategy:     strategy,
		Command:      args[0],
		Args:         args[1:],
		Cols:         cols,
		Rows:         rows,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	base, err := apiBase(cmd)
	if err != nil {
		return err
	}

	resp, err := http.Post(base+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	var info session.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Created session %s (%s)\n", info.ID, info.Name)
	fmt.Printf("Attach with: cacd attach %s\n", info.ID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	base, err := apiBase(cmd)
	if err != nil {
		return err
	}

	resp, err := http.Get(base + "/api/sessions")
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var sessions []session.Info
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		out, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(sessions) == 0 {
		fmt.Println("No active sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tAGENT\tSTATE\tCREATED")
	for _, s := range sessions {
		id := s.ID
		if s.IsActive {
			id = "*" + id
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			id, s.Name, s.AgentID, s.State, s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runStop(cmd *cobra.Command, args []string) error {
	base, err := apiBase(cmd)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodDelete, base+"/api/sessions/"+args[0], nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	fmt.Printf("Stopped session %s\n", args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, err := apiBase(cmd)
	if err != nil {
		return err
	}

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var status struct {
		Version     string `json:"version"`
		UptimeS     int64  `json:"uptime_s"`
		Sessions    int    `json:"sessions"`
		Subscribers int    `json:"subscribers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Version: %s\n", status.Version)
	fmt.Printf("Uptime: %s\n", (time.Duration(status.UptimeS) * time.Second).String())
	fmt.Printf("Sessions: %d\n", status.Sessions)
	fmt.Printf("Subscribers: %d\n", status.Subscribers)
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	if auth.HasToken() {
		fmt.Println("Already logged in.")
		fmt.Println("Run 'cacd logout' to clear the stored token.")
		return nil
	}

	var token string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Judge API token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token = string(raw)
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token = line
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("no token provided")
	}

	if err := auth.SaveToken(token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	fmt.Println("Token stored.")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := auth.ClearToken(); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	fmt.Println("Logged out successfully.")
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := ""
	if len(args) == 1 {
		key = args[0]
	}
	value, err := commands.ConfigGet(key)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	if err := commands.ConfigSet(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Set %s = %s\n", args[0], args[1])
	return nil
}

func runConfigDelete(cmd *cobra.Command, args []string) error {
	if err := commands.ConfigDelete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

// apiBase resolves the daemon address from --addr or the config file.
func apiBase(cmd *cobra.Command) (string, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Listen
	}
	return "http://" + addr, nil
}

// apiError turns a non-2xx response into an error, preferring the
// daemon's own message when the body carries one.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("daemon: %s", body.Error)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
