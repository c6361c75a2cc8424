// ABOUTME: Entry point for the Chorus player
// ABOUTME: Parses CLI flags, loads config, and starts the player application
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chorus-audio/chorus-go/internal/app"
	"github.com/chorus-audio/chorus-go/internal/config"
)

var (
	configPath = flag.String("config", "", "YAML config file path")
	serverAddr = flag.String("server", "", "Session server address (overrides config)")
	name       = flag.String("name", "", "Player friendly name (default: hostname-chorus-player)")
	driver     = flag.String("driver", "", "Output driver: malgo or oto (overrides config)")
	delayMs    = flag.Int("delay-ms", 0, "Static delay in milliseconds (overrides config)")
	logFile    = flag.String("log-file", "chorus-player.log", "Log file path")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	// CLI flags win over the config file
	if *serverAddr != "" {
		cfg.Server.Addr = *serverAddr
	}
	if *name != "" {
		cfg.Player.Name = *name
	}
	if *driver != "" {
		cfg.Output.Driver = *driver
	}
	if *delayMs != 0 {
		cfg.Player.StaticDelayMs = *delayMs
	}
	if cfg.Player.LogFile == "" {
		cfg.Player.LogFile = *logFile
	}
	if cfg.Player.Name == "" || cfg.Player.Name == "Chorus Player" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Player.Name = fmt.Sprintf("%s-chorus-player", hostname)
	}

	// The TUI owns the terminal, so logs go to a file
	f, err := os.OpenFile(cfg.Player.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()
	log.SetOutput(f)

	log.Printf("Starting Chorus Player: %s", cfg.Player.Name)

	player := app.New(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- player.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Printf("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Printf("Player error: %v", err)
		}
	}

	player.Stop()
	log.Printf("Player stopped")
}
