// ABOUTME: Setup subcommands: interactive config init, user creation and token minting
// ABOUTME: Open the configured store directly, without starting the server

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/gateway"
	"github.com/2389/chat-gateway/internal/store"
)

// defaultTokenTTL is 30 days
const defaultTokenTTL = 30 * 24 * time.Hour

type userAddOptions struct {
	Name   string
	Avatar string
}

// parseUserAddFlags parses the flags of "user add".
func parseUserAddFlags(args []string) (userAddOptions, error) {
	var opts userAddOptions
	flagSet := pflag.NewFlagSet("user add", pflag.ContinueOnError)
	flagSet.StringVar(&opts.Name, "name", "", "display name of the new user (required)")
	flagSet.StringVar(&opts.Avatar, "avatar", "", "avatar URL")
	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return opts, errors.New("--name flag is required")
	}
	if len(opts.Name) > 100 {
		return opts, errors.New("name exceeds maximum length of 100 characters")
	}
	return opts, nil
}

type tokenOptions struct {
	UserID string
	TTL    time.Duration
}

// parseTokenFlags parses the flags of "token".
func parseTokenFlags(args []string) (tokenOptions, error) {
	var opts tokenOptions
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVar(&opts.UserID, "user", "", "ID of the user to mint a token for (required)")
	flagSet.DurationVar(&opts.TTL, "ttl", defaultTokenTTL, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if opts.UserID == "" {
		return opts, errors.New("--user flag is required")
	}
	if opts.TTL <= 0 {
		return opts, fmt.Errorf("--ttl must be a positive duration, got %s", opts.TTL)
	}
	return opts, nil
}

func openConfiguredStore(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

func mintToken(secret string, userID string, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// runUser handles "user add --name NAME [--avatar URL]".
func runUser(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return errors.New("usage: chat-gateway user add --name NAME [--avatar URL]")
	}
	opts, err := parseUserAddFlags(args[1:])
	if err != nil {
		return err
	}
	name := opts.Name

	cfg, s, err := openConfiguredStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	user := &store.User{
		ID:        uuid.New().String(),
		Username:  name,
		Avatar:    opts.Avatar,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	token, err := mintToken(cfg.Auth.JWTSecret, user.ID, defaultTokenTTL)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Printf("  ✓ Created user: %s\n", name)
	fmt.Println()
	cyan.Println("  User")
	cyan.Println("  ----")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Token:    %s\n", token)
	fmt.Printf("  Expires:  %s\n", time.Now().Add(defaultTokenTTL).UTC().Format("Jan 02, 2006"))
	return nil
}

// runToken handles "token --user ID [--ttl DURATION]".
func runToken(ctx context.Context, args []string) error {
	opts, err := parseTokenFlags(args)
	if err != nil {
		return err
	}
	userID, ttl := opts.UserID, opts.TTL

	cfg, s, err := openConfiguredStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %s does not exist", userID)
		}
		return fmt.Errorf("looking up user: %w", err)
	}

	token, err := mintToken(cfg.Auth.JWTSecret, userID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// generateSecret returns a random base64 JWT secret.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit() error {
	return initConfig(bufio.NewReader(os.Stdin))
}

func initConfig(reader *bufio.Reader) error {
	fmt.Println("chat-gateway configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "chat.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	driver := prompt(reader, "Store driver (sqlite/mongo)", config.DriverSQLite)
	var dbPath, mongoURI string
	if driver == config.DriverMongo {
		mongoURI = prompt(reader, "MongoDB URI", "${MONGO_URI}")
	} else {
		driver = config.DriverSQLite
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "chat-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsHTTPS = yes(prompt(reader, "Serve HTTPS with tailnet certificates?", "yes"))
	}

	fmt.Println("\n--- Scale-out (optional) ---")
	redisAddr := prompt(reader, "Redis address for presence (empty to disable)", "")
	natsURL := prompt(reader, "NATS URL for cluster fan-out (empty to disable)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# chat-gateway configuration\n")
	cfg.WriteString("# Generated by chat-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	if driver == config.DriverMongo {
		cfg.WriteString(fmt.Sprintf("  mongo_uri: %q\n", mongoURI))
	} else {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", secret))

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  https: %t\n", tsHTTPS))
	}
	cfg.WriteString("\n")

	cfg.WriteString("realtime:\n")
	cfg.WriteString("  pong_wait: \"60s\"\n")
	cfg.WriteString("  ping_period: \"54s\"\n")
	cfg.WriteString("  dedupe_ttl: \"2m\"\n\n")

	if redisAddr != "" {
		cfg.WriteString("presence:\n  redis:\n    enabled: true\n")
		cfg.WriteString(fmt.Sprintf("    addr: %q\n\n", redisAddr))
	}
	if natsURL != "" {
		cfg.WriteString("cluster:\n  nats:\n    enabled: true\n")
		cfg.WriteString(fmt.Sprintf("    url: %q\n\n", natsURL))
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  chat-gateway user add --name \"Your Name\"")
	fmt.Println("  chat-gateway serve")
	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || input == "") {
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
