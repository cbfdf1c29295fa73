// fleetwatchd is the fleet monitor daemon: it loads a configuration
// document, starts the monitoring cycle, and runs until asked to stop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "fleetwatch.toml", "path to the configuration document")
	flag.Parse()

	logger := log.New(os.Stderr, "fleetwatchd: ", log.LstdFlags).Printf

	sched, err := scheduler.New(*configPath, logger)
	if err != nil {
		log.Fatalf("fleetwatchd: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ok, msg := sched.Start(ctx); !ok {
		log.Fatalf("fleetwatchd: failed to start: %s", msg)
	}

	<-ctx.Done()
	logger("received shutdown signal, stopping")

	if err := sched.Stop(true, 30*time.Second); err != nil {
		log.Fatalf("fleetwatchd: stop: %v", err)
	}
}
