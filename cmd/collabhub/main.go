package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabhub/internal/app"
	"collabhub/internal/config"
)

// FUNCTIONAL DISCOVERY: Main entry point with signal management
// Graceful shutdown on SIGINT/SIGTERM flushes the audit log
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run is separate from main so startup errors can be returned and tested
func run() error {
	// STEP 1: Load configuration with precedence (file > env > .env > defaults)
	configPath := os.Getenv(config.EnvPrefix + "CONFIG_FILE")
	cfg, err := config.LoadConfigWithPrecedence(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// STEP 3: Start hub and HTTP listener
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 4: Wait for shutdown signal or serving error
	var runErr error
	select {
	case err := <-application.Errors():
		runErr = fmt.Errorf("application error: %w", err)
	case <-ctx.Done():
		log.Printf("Received shutdown signal, shutting down gracefully")
	}

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}
