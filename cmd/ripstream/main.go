// ripstream - a Shoutcast/Icecast stream ripper
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ripstream/ripstream/internal/config"
	"github.com/ripstream/ripstream/internal/stream"
)

// Version information - injected at build time via ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to a VIBE configuration file")
	sourceURL := flag.String("url", "", "Source stream URL (overrides config)")
	outputDir := flag.String("data", "", "Output directory for ripped tracks (overrides config)")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show this help message")

	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("ripstream %s\n", version)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		fmt.Printf("  Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	logger := log.New(os.Stdout, "[ripstream] ", log.LstdFlags|log.Lmsgprefix)
	printBanner(logger)

	var cfg *config.Config
	if *configFile != "" {
		logger.Printf("Loading configuration from %s", *configFile)
		loaded, err := config.Load(*configFile)
		if err != nil {
			logger.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if *sourceURL != "" {
		cfg.SourceURL = *sourceURL
	}
	if *outputDir != "" {
		cfg.Files.OutputDir = *outputDir
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	userRules, err := stream.LoadRulesFile(cfg.RulesFile)
	if err != nil {
		logger.Fatalf("Failed to load rules file: %v", err)
	}

	sup := stream.NewSupervisor(cfg, userRules)

	logLines, unsubscribe := sup.Sink().Subscribe(64)
	defer unsubscribe()
	go func() {
		for ev := range logLines {
			logger.Printf("[%s] %s", ev.Kind, ev.Message)
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := sup.Start(ctx); err != nil {
		logger.Fatalf("Failed to start: %v", err)
	}
	logger.Printf("Ripping %s into %s", cfg.SourceURL, cfg.Files.OutputDir)

	if cfg.Relay.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/status", sup.StatusHandler())
			logger.Printf("Status API on :%d/status", cfg.Relay.Port+1)
			http.ListenAndServe(fmt.Sprintf(":%d", cfg.Relay.Port+1), mux)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for s := range sig {
		switch s {
		case syscall.SIGHUP:
			logger.Println("Received SIGHUP, reloading rules file...")
			rules, err := stream.LoadRulesFile(cfg.RulesFile)
			if err != nil {
				logger.Printf("Rules reload failed: %v", err)
				continue
			}
			sup.ReloadRules(rules)
			logger.Println("Rules reloaded")

		case syscall.SIGINT, syscall.SIGTERM:
			logger.Printf("Received %v, shutting down...", s)
			sup.Stop()
			logger.Println("ripstream shutdown complete")
			return
		}
	}
}

func printBanner(logger *log.Logger) {
	banner := `
  ┬─┐┬┌─┐┌─┐┌┬┐┬─┐┌─┐┌─┐┌┬┐
  ├┬┘│├─┘└─┐ │ ├┬┘├┤ ├─┤│││
  ┴└─┴┴  └─┘ ┴ ┴└─└─┘┴ ┴┴ ┴
  Shoutcast/Icecast stream ripper - v%s
`
	fmt.Printf(banner, version)
}

func printUsage() {
	fmt.Printf(`ripstream %s - a Shoutcast/Icecast stream ripper

USAGE:
    ripstream [OPTIONS]

OPTIONS:
    -url <url>        Source stream URL (overrides config file)
    -data <dir>       Output directory for ripped tracks (overrides config file)
    -config <file>    Path to a VIBE configuration file
    -version          Show version information
    -help             Show this help message

SIGNALS:
    SIGINT, SIGTERM   Graceful shutdown
    SIGHUP            Reload the rules file

`, version)
}
