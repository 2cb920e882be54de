// Command gatelimit starts the rate limiting service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatelimit/internal/gatelimit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := gatelimit.LoadConfig(gatelimit.LoadOptions{})
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	app, err := gatelimit.NewApplication(cfg)
	if err != nil {
		log.Fatalf("failed to create application: %v", err)
	}
	if err := app.Start(ctx); err != nil {
		log.Fatalf("failed to start application: %v", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown incomplete: %v", err)
	}
}
