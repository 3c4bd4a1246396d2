// Package main is the entry point of the llm-failover server, which routes
// text, image, speech and agent calls across providers with one-hop failover.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nghyane/llm-failover/internal/api"
	"github.com/nghyane/llm-failover/internal/config"
	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/service"
	"github.com/nghyane/llm-failover/internal/util"
	flag "github.com/spf13/pflag"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "$XDG_CONFIG_HOME/llm-failover/config.yaml"
)

func init() {
	log.SetupBaseLogger()
}

func main() {
	fmt.Printf("llm-failover Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var (
		configPath       string
		port             int
		debug            bool
		initConfig       bool
		newWebhookSecret bool
		keepAlive        time.Duration
		password         string
	)

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.IntVar(&port, "port", 0, "Override the listen port")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&initConfig, "init", false, "Write a starter config if none exists")
	flag.BoolVar(&newWebhookSecret, "new-webhook-secret", false, "Generate and store a new webhook secret")
	flag.DurationVar(&keepAlive, "keep-alive", 0, "Exit when /keep-alive is not called within this duration")
	flag.StringVar(&password, "password", "", "")
	_ = flag.CommandLine.MarkHidden("password")

	flag.Parse()

	resolved, err := util.ResolvePath(configPath)
	if err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	configPath = resolved

	if initConfig {
		doInitConfig(configPath)
		return
	}
	if newWebhookSecret {
		doNewWebhookSecret()
		return
	}

	if wd, errWd := os.Getwd(); errWd == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, fs.ErrNotExist) {
			log.Warnf("failed to load .env file: %v", errLoad)
		}
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if errEnv := cfg.ApplyEnv(os.Getenv); errEnv != nil {
		log.Warnf("ignoring malformed environment overrides: %v", errEnv)
	}
	if flag.CommandLine.Changed("port") {
		cfg.Port = port
	}
	if flag.CommandLine.Changed("debug") {
		cfg.Debug = debug
	}

	log.SetDebug(cfg.Debug)
	if errLog := log.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); errLog != nil {
		log.Fatalf("failed to configure log output: %v", errLog)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder := service.NewBuilder().
		WithConfig(cfg).
		WithLocalPassword(password)
	if _, errStat := os.Stat(configPath); errStat == nil {
		builder = builder.WithConfigPath(configPath)
	} else {
		log.Infof("no config file at %s, running with defaults", configPath)
	}
	if keepAlive > 0 {
		builder = builder.WithServerOptions(api.WithKeepAliveEndpoint(keepAlive, stop))
	}

	svc, err := builder.Build()
	if err != nil {
		log.Fatalf("failed to build service: %v", err)
	}
	if err = svc.Run(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
	log.Info("server stopped")
	log.Close()
}

// doInitConfig writes the starter config and prints the webhook secret,
// creating one when none is stored yet.
func doInitConfig(configPath string) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err = os.WriteFile(configPath, config.DefaultConfigYAML(), 0o600); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Created: %s\n", configPath)
	} else {
		fmt.Printf("Config exists: %s\n", configPath)
	}

	if creds, err := config.LoadCredentials(); err == nil && creds.WebhookSecret != "" {
		fmt.Printf("Webhook secret: %s\n", creds.WebhookSecret)
		fmt.Printf("Location: %s\n", config.CredentialsFilePath())
		fmt.Println("Use --new-webhook-secret to regenerate")
		return
	}
	doNewWebhookSecret()
}

func doNewWebhookSecret() {
	secret, err := config.CreateCredentials()
	if err != nil {
		log.Fatalf("Failed to create credentials: %v", err)
	}
	fmt.Println("Generated webhook secret:")
	fmt.Printf("  %s\n", secret)
	fmt.Printf("Location: %s\n", config.CredentialsFilePath())
}
