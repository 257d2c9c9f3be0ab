// ABOUTME: Entry point for triage-gateway, the customer-support routing server
// ABOUTME: Classifies chat turns, answers them or hands them off to human agents

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"

	"github.com/2389/triage-gateway/internal/auth"
	"github.com/2389/triage-gateway/internal/config"
	"github.com/2389/triage-gateway/internal/gateway"
	"github.com/2389/triage-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _        _                                _
| |_ _ __(_) __ _  __ _  ___        __ _  __ _| |_ _____      ____ _ _   _
| __| '__| |/ _' |/ _' |/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_| |  | | (_| | (_| |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__|_|  |_|\__,_|\__, |\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                  |___/            |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: TRIAGE_CONFIG env var > XDG_CONFIG_HOME/triage/gateway.yaml > ~/.config/triage/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TRIAGE_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "triage", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: triage-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the gateway server")
		fmt.Println("  init                         Write a starter config file")
		fmt.Println("  token --user ID [--ttl DUR]  Mint a bearer token (--role agent for support agents)")
		fmt.Println("  health                       Check gateway health")
		fmt.Println("  tickets [--status S]         List escalation tickets")
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
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "tickets":
		err = runTickets(ctx)
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
	gin.SetMode(gin.ReleaseMode)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Classifier: %s ", cfg.Classifier.Provider)
	gray.Printf("(threshold %.2f)\n", cfg.Routing.Threshold)
	green.Print("    ▶ ")
	fmt.Printf("Commerce:   %s\n", cfg.Commerce.Provider)
	green.Print("    ▶ ")
	fmt.Printf("Hand-off:   %s\n", cfg.Escalation.Queue)
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: user ids are taken on trust")
	}
	fmt.Println()

	logger.Info("starting triage-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Driver,
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

// colorHandler provides colorized log output with thread-safe writes. The
// mutex is shared with handlers derived through WithAttrs.
type colorHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs (from WithAttrs) first
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs}
}

// WithGroup is a no-op; the gateway does not log grouped attributes.
func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}

func runInit() error {
	configPath := getConfigPath()
	if len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.Sample), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("  Set TRIAGE_JWT_SECRET (32+ bytes) or remove auth.jwt_secret, then:")
	fmt.Println("    triage-gateway serve")
	return nil
}

// parseFlags reads "--name value" and "--name=value" pairs. Only names in
// allowed are accepted.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	out := make(map[string]string)
	isAllowed := func(name string) bool {
		for _, a := range allowed {
			if a == name {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !isAllowed(name) {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = value
	}
	return out, nil
}

func runToken() error {
	flags, err := parseFlags(os.Args[2:], "user", "ttl", "role")
	if err != nil {
		return err
	}

	userID := strings.TrimSpace(flags["user"])
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	ttl := 30 * 24 * time.Hour
	if s, ok := flags["ttl"]; ok {
		ttl, err = time.ParseDuration(s)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", s)
		}
	}

	role := flags["role"]
	if role != "" && role != auth.RoleAgent {
		return fmt.Errorf("invalid --role %q (only %q is supported)", role, auth.RoleAgent)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).GenerateWithRole(userID, role, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	color.New(color.FgGreen).Println("healthy")
	fmt.Printf("  classifier:      %s\n", health.Classifier)
	fmt.Printf("  conversations:   %d\n", health.Conversations)
	fmt.Printf("  connections:     %d\n", health.Connections)
	fmt.Printf("  tickets created: %d\n", health.Tickets)
	fmt.Printf("  uptime:          %s\n", health.Uptime)
	return nil
}

// runTickets reads tickets straight from the database so it works while the
// server is down.
func runTickets(ctx context.Context) error {
	flags, err := parseFlags(os.Args[2:], "status", "limit")
	if err != nil {
		return err
	}

	var status store.TicketStatus
	if s, ok := flags["status"]; ok {
		status, err = store.ParseTicketStatus(s)
		if err != nil {
			return err
		}
	}

	limit := 50
	if s, ok := flags["limit"]; ok {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			return fmt.Errorf("invalid --limit %q", s)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	repo, err := gateway.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	tickets, err := repo.ListTickets(ctx, status, limit)
	if err != nil {
		return fmt.Errorf("listing tickets: %w", err)
	}

	if len(tickets) == 0 {
		fmt.Println("no tickets")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tREASON\tAGENT\tCREATED\tCONVERSATION")
	for _, t := range tickets {
		agent := "-"
		if t.AssignedAgent != nil {
			agent = *t.AssignedAgent
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Reason, agent,
			t.CreatedAt.Local().Format("2006-01-02 15:04"), t.ConversationID)
	}
	return w.Flush()
}
