// ABOUTME: Entry point for coven-inbox, the messaging inbox and AI reply service
// ABOUTME: Provides serve, init, token and health commands

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/config"
	"github.com/2389/coven-inbox/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                    _       _
  ___ _____   _____ _ __        (_)_ __ | |__   _____  __
 / __/ _ \ \ / / _ \ '_ \ _____| | '_ \| '_ \ / _ \ \/ /
| (_| (_) \ V /  __/ | | |_____| | | | | |_) | (_) >  <
 \___\___/ \_/ \___|_| |_|     |_|_| |_|_.__/ \___/_/\_\
`

func usage() {
	fmt.Println("Usage: coven-inbox <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                 Start the inbox server")
	fmt.Println("  init                                  Create a new config file interactively")
	fmt.Println("  token --user ID --tenant ID [--ttl D] Issue an API token")
	fmt.Println("  health                                Check server readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
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
	configPath := config.DefaultPath()

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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Webhook:   %s\n", cfg.Webhook.Path)
	green.Print("    ▶ ")
	fmt.Printf("Channel:   ")
	if cfg.Channel.Provider == "log" {
		yellow.Println("log only")
	} else {
		cyan.Println(cfg.Channel.Provider)
	}
	green.Print("    ▶ ")
	fmt.Printf("AI:        ")
	if cfg.AI.Enabled {
		cyan.Print(cfg.AI.Provider)
		gray.Printf(" (floor %.2f)\n", *cfg.AI.ConfidenceFloor)
	} else {
		yellow.Println("disabled")
	}
	fmt.Println()

	logger.Info("starting coven-inbox",
		"config", configPath,
		"version", version,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// parseTokenArgs accepts "--flag value" and "--flag=value" forms.
func parseTokenArgs(args []string) (userID, tenantID string, ttl time.Duration, err error) {
	values := map[string]string{}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "--") {
			return "", "", 0, fmt.Errorf("unexpected argument: %s", arg)
		}
		switch name {
		case "user", "tenant", "ttl":
		default:
			return "", "", 0, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return "", "", 0, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = strings.TrimSpace(value)
	}

	if values["user"] == "" {
		return "", "", 0, fmt.Errorf("--user flag is required")
	}
	if values["tenant"] == "" {
		return "", "", 0, fmt.Errorf("--tenant flag is required")
	}
	if raw := values["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return "", "", 0, fmt.Errorf("invalid --ttl %q", raw)
		}
	}
	return values["user"], values["tenant"], ttl, nil
}

func runToken(args []string) error {
	userID, tenantID, ttl, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if ttl == 0 {
		ttl = cfg.Auth.TokenTTL
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Issue(userID, tenantID, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "user %s, tenant %s, expires in %s\n", userID, tenantID, ttl)
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/health/ready", addr)

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}

	color.Green("ready")
	return nil
}
