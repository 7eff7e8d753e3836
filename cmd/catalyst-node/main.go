package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/auth"
	"github.com/orbisoperations/catalyst-router/internal/config"
	"github.com/orbisoperations/catalyst-router/internal/metrics"
	"github.com/orbisoperations/catalyst-router/internal/node"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "mint-token":
		runMintToken()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: catalyst-node <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the mesh control-plane node")
	fmt.Println("  mint-token    Mint a peer or client token from the shared secret")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --peer <name>     mint-token: peer name (peer token)")
	fmt.Println("  --subject <name>  mint-token: client subject")
	fmt.Println("  --scopes <list>   mint-token: comma-separated client scopes")
}

func parseFlags(args []string) map[string]string {
	flags := map[string]string{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "--log-level", "--peer", "--subject", "--scopes", "--ttl":
			if i+1 < len(args) {
				flags[args[i]] = args[i+1]
				i++
			}
		}
	}
	return flags
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	flags := parseFlags(args)

	cfg, err := config.Load(flags["--config"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Service.LogLevel
	if override := flags["--log-level"]; override != "" {
		level = override
	}

	logger := initLogger(level)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting catalyst-node",
		zap.String("node", cfg.Node.Name),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build node", zap.Error(err))
	}
	if err := n.Start(); err != nil {
		logger.Fatal("failed to start node", zap.Error(err))
	}

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("catalyst-node stopped")
}

func runMintToken() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()
	flags := parseFlags(os.Args[2:])

	tokens, err := auth.NewTokenService(cfg.Orchestrator.IBGP.Secret, cfg.Node.Name)
	if err != nil {
		logger.Fatal("failed to build token service", zap.Error(err))
	}

	ttl := 24 * time.Hour
	if raw := flags["--ttl"]; raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logger.Fatal("invalid --ttl", zap.Error(err))
		}
		ttl = parsed
	}

	if peer := flags["--peer"]; peer != "" {
		token, err := tokens.MintPeerToken(peer, ttl)
		if err != nil {
			logger.Fatal("failed to mint peer token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	subject := flags["--subject"]
	if subject == "" {
		fmt.Fprintln(os.Stderr, "mint-token requires --peer or --subject")
		os.Exit(1)
	}
	scopes := []string{auth.ScopeNetwork, auth.ScopeDataChannel}
	if raw := flags["--scopes"]; raw != "" {
		scopes = strings.Split(raw, ",")
	}
	token, err := tokens.MintClientToken(subject, scopes, ttl)
	if err != nil {
		logger.Fatal("failed to mint client token", zap.Error(err))
	}
	fmt.Println(token)
}
