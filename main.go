package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"lanchat/internal/config"
	"lanchat/internal/transport"
)

func main() {
	cfg := config.Load()

	var useTUI bool
	var logFile string

	flag.StringVar(&cfg.Nick, "nick", cfg.Nick, "display name")
	flag.StringVar(&cfg.Group, "group", cfg.Group, "multicast group of the channel")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "UDP port of the channel")
	flag.StringVar(&cfg.Interface, "iface", cfg.Interface, "network interface to use (default: every multicast interface)")
	flag.DurationVar(&cfg.KeepAliveInterval, "keepalive", cfg.KeepAliveInterval, "interval between keep-alive announcements")
	flag.IntVar(&cfg.TimeoutMultiplier, "timeout-multiplier", cfg.TimeoutMultiplier, "keep-alive intervals before a silent user is dropped")
	flag.StringVar(&cfg.DownloadDir, "downloads", cfg.DownloadDir, "directory for received files")
	flag.BoolVar(&cfg.Sound, "sound", cfg.Sound, "beep on incoming messages")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.BoolVar(&cfg.Dev, "dev", cfg.Dev, "human-readable development logging")
	flag.StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
	flag.BoolVar(&useTUI, "tui", false, "use the terminal UI")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(2)
	}

	// The terminal UI owns the screen.
	if useTUI && logFile == "" {
		logFile = "lanchat.log"
	}
	logger, err := newLogger(cfg, logFile)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	sock, err := transport.OpenUDP(transport.UDPOptions{
		Group:     cfg.Group,
		Port:      cfg.Port,
		Interface: cfg.Interface,
		Logger:    logger.Named("transport"),
	})
	if err != nil {
		logger.Fatal("Cannot open the chat channel", zap.Error(err))
	}
	defer sock.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(sock, cfg, logger)
	front := func(ctx context.Context) error {
		return a.runCLI(ctx, os.Stdin, os.Stdout)
	}
	if useTUI {
		front = a.runTUI
	}

	if err := a.run(ctx, front); err != nil {
		logger.Error("Chat stopped", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
	}
}

func newLogger(cfg *config.Config, file string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	if file != "" {
		zc.OutputPaths = []string{file}
		zc.ErrorOutputPaths = []string{file}
	}
	return zc.Build()
}
