// ABOUTME: Interactive "init" command that writes a starter inbox.yaml
// ABOUTME: Generates the JWT secret and webhook verify token locally

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-inbox/internal/config"
)

// initAnswers collects the values gathered by the init prompts.
type initAnswers struct {
	HTTPAddr      string
	DBPath        string
	VerifyToken   string
	AppSecret     string
	Channel       string
	PhoneNumberID string
	AccessToken   string
	AIEnabled     bool
	AIProvider    string
	AIEndpoint    string
	AIKey         string
	TenantID      string
	OwnerUserID   string
	Timezone      string
	JWTSecret     string
	LogLevel      string
	LogFormat     string
}

// getDataPath returns the data directory, respecting XDG_DATA_HOME
func getDataPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "coven")
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

// prompt asks a question and returns the answer, or def when left empty.
func prompt(reader *bufio.Reader, question, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", question, def)
	} else {
		fmt.Printf("%s: ", question)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("coven-inbox configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	verifyToken, err := randomSecret(18)
	if err != nil {
		return err
	}
	jwtSecret, err := randomSecret(32)
	if err != nil {
		return err
	}

	var a initAnswers
	a.JWTSecret = jwtSecret

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", ":8080")
	a.DBPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "inbox.db"))

	fmt.Println("\n--- WhatsApp Configuration ---")
	a.VerifyToken = prompt(reader, "Webhook verify token", verifyToken)
	a.AppSecret = prompt(reader, "App secret (leave empty to skip signature checks)", "")
	a.Channel = prompt(reader, "Outbound channel (whatsapp/log)", "log")
	if a.Channel == "whatsapp" {
		a.PhoneNumberID = prompt(reader, "Phone number ID", "")
		a.AccessToken = prompt(reader, "Access token", "")
	}

	fmt.Println("\n--- AI Configuration ---")
	a.AIEnabled = isYes(prompt(reader, "Enable AI replies?", "no"))
	if a.AIEnabled {
		a.AIProvider = prompt(reader, "AI provider (http/gemini)", "http")
		if a.AIProvider == "gemini" {
			a.AIKey = prompt(reader, "Gemini API key", "")
		} else {
			a.AIEndpoint = prompt(reader, "Oracle endpoint URL", "")
			a.AIKey = prompt(reader, "Oracle API key (optional)", "")
		}
	}

	fmt.Println("\n--- Tenant Configuration ---")
	a.TenantID = prompt(reader, "Default tenant ID", "default")
	a.OwnerUserID = prompt(reader, "Default owner user ID (assigned conversations from new contacts)", "")
	if a.AIEnabled && a.OwnerUserID == "" {
		return fmt.Errorf("a default owner user ID is required when AI replies are enabled")
	}
	a.Timezone = prompt(reader, "Timezone for action times", "UTC")

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("\nConfiguration written to %s\n", outputFile)
	fmt.Println("\nTo issue an API token:")
	fmt.Println("  coven-inbox token --user <user-id> --tenant " + a.TenantID)
	fmt.Println("\nTo start the server:")
	fmt.Println("  coven-inbox serve")
	return nil
}

// renderConfig produces the YAML config file for the given answers.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-inbox configuration\n")
	cfg.WriteString("# Generated by coven-inbox init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	cfg.WriteString("\n")

	cfg.WriteString("webhook:\n")
	cfg.WriteString(fmt.Sprintf("  verify_token: %q\n", a.VerifyToken))
	if a.AppSecret != "" {
		cfg.WriteString(fmt.Sprintf("  app_secret: %q\n", a.AppSecret))
	}
	cfg.WriteString("\n")

	cfg.WriteString("channel:\n")
	cfg.WriteString(fmt.Sprintf("  provider: %q\n", a.Channel))
	if a.Channel == "whatsapp" {
		cfg.WriteString(fmt.Sprintf("  phone_number_id: %q\n", a.PhoneNumberID))
		cfg.WriteString(fmt.Sprintf("  access_token: %q\n", a.AccessToken))
	}
	cfg.WriteString("\n")

	cfg.WriteString("ai:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.AIEnabled))
	if a.AIEnabled {
		cfg.WriteString(fmt.Sprintf("  provider: %q\n", a.AIProvider))
		if a.AIEndpoint != "" {
			cfg.WriteString(fmt.Sprintf("  endpoint: %q\n", a.AIEndpoint))
		}
		if a.AIKey != "" {
			cfg.WriteString(fmt.Sprintf("  api_key: %q\n", a.AIKey))
		}
		cfg.WriteString("  confidence_floor: 0.7\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("pipeline:\n")
	cfg.WriteString(fmt.Sprintf("  default_tenant_id: %q\n", a.TenantID))
	if a.OwnerUserID != "" {
		cfg.WriteString(fmt.Sprintf("  default_owner_user_id: %q\n", a.OwnerUserID))
	}
	cfg.WriteString(fmt.Sprintf("  timezone: %q\n", a.Timezone))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", a.JWTSecret))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))

	return cfg.String()
}
