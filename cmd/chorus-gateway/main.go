// ABOUTME: Entry point for chorus-gateway, the multi-agent group chat server
// ABOUTME: Subcommands start the server, write a config, and query a running instance

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-chorus/internal/config"
	"github.com/2389/coven-chorus/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _                                           _
   ___| |__   ___  _ __ _   _ ___        __ _  __ _| |_ _____      ____ _ _   _
  / __| '_ \ / _ \| '__| | | / __|_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | (__| | | | (_) | |  | |_| \__ \_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \___|_| |_|\___/|_|   \__,_|___/      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                        |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: CHORUS_CONFIG env var > XDG_CONFIG_HOME/chorus/gateway.yaml > ~/.config/chorus/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHORUS_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chorus", "gateway.yaml")
}

// getDataPath returns the path to the chorus data directory.
// Priority: XDG_DATA_HOME/chorus > ~/.local/share/chorus
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "chorus")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chorus-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gateway server")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  health    Check gateway health")
		fmt.Println("  agents    List available agents")
		fmt.Println("  pending   List queued turns still waiting on an agent")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runQuery(ctx, "/health", "health check")
	case "agents":
		err = runQuery(ctx, "/api/agents", "listing agents")
	case "pending":
		err = runQuery(ctx, "/api/requests/pending", "listing pending turns")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if len(cfg.Agents.Echo) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Echo:      ")
		cyan.Println(strings.Join(cfg.Agents.Echo, ", "))
	}
	fmt.Println()

	logger.Info("starting chorus-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"context_window", cfg.Orchestration.ContextWindow,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: os.Stdout, level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Handlers derived via WithAttrs or WithGroup share the parent's mutex.
// Groups prefix attribute keys with dots.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	prefix string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	writeAttr := func(key string, a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + key + "="))
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		writeAttr(a.Key, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(h.prefix+a.Key, a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.prefix = h.prefix + name + "."
	return next
}

func (h *colorHandler) clone() *colorHandler {
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		prefix: h.prefix,
	}
}

// runQuery GETs path from the configured gateway and prints the body.
func runQuery(ctx context.Context, path, what string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", what, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", what, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("chorus-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "chorus.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Orchestration ---")
	contextWindow := prompt(reader, "Context window (messages)", fmt.Sprint(config.DefaultContextWindow))
	dispatchTimeout := prompt(reader, "Dispatch timeout", config.DefaultDispatchTimeout.String())
	staleAfter := prompt(reader, "Report queued turns older than (empty disables)", "")

	fmt.Println("\n--- Agents ---")
	echo := prompt(reader, "Echo agents (comma separated, empty for none)", "")

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")
	metricsOn := yes(prompt(reader, "Expose Prometheus metrics?", "no"))

	var cfg strings.Builder
	cfg.WriteString("# chorus-gateway configuration\n")
	cfg.WriteString("# Generated by chorus-gateway init\n\n")

	fmt.Fprintf(&cfg, "server:\n  http_addr: %q\n\n", httpAddr)
	fmt.Fprintf(&cfg, "database:\n  path: %q\n\n", dbPath)

	cfg.WriteString("orchestration:\n")
	fmt.Fprintf(&cfg, "  context_window: %s\n", contextWindow)
	fmt.Fprintf(&cfg, "  dispatch_timeout: %q\n", dispatchTimeout)
	if staleAfter != "" {
		fmt.Fprintf(&cfg, "  stale_after: %q\n", staleAfter)
	}
	cfg.WriteString("\n")

	if echo != "" {
		cfg.WriteString("agents:\n  echo:\n")
		for _, name := range strings.Split(echo, ",") {
			if name = strings.TrimSpace(name); name != "" {
				fmt.Fprintf(&cfg, "    - %q\n", name)
			}
		}
		cfg.WriteString("\n")
	}

	fmt.Fprintf(&cfg, "logging:\n  level: %q\n  format: %q\n\n", logLevel, logFormat)
	fmt.Fprintf(&cfg, "metrics:\n  enabled: %t\n  path: %q\n", metricsOn, config.DefaultMetricsPath)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  chorus-gateway serve\n")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
