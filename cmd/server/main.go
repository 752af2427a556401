/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll engine server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and environment
  2. Initialize SQLite store
  3. Wire ledger, provider client, orchestrator, scheduler
  4. Register the daily sweep and reschedule pending worker jobs
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port        HTTP server port (default: 8080)
  -db          SQLite database path (default: payroll.db)
               Use ":memory:" for an in-memory database
  -sweep-hour  Hour of day (UTC) for the daily sweep (default: 9)
  -auto-sweep  Enable the recurring daily sweep (default: true)

ENVIRONMENT:
  PAYSTACK_SECRET_KEY  Provider API secret (required for live transfers)
  PAYSTACK_BASE_URL    Provider base URL (default: live API)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (in-flight transfers run to a terminal state)
  2. Stop accepting new connections, drain active requests (30s)
  3. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - scheduler/scheduler.go: Job firing
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/paystack"
	"github.com/warp/payroll-engine/scheduler"
	"github.com/warp/payroll-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "payroll.db", "SQLite database path")
	sweepHour := flag.Int("sweep-hour", 9, "hour of day (UTC) for the daily sweep")
	autoSweep := flag.Bool("auto-sweep", true, "enable the recurring daily sweep")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the engine
	clock := payroll.SystemClock{}
	recorder := payroll.NewRecorder(store, clock)
	ledger := payroll.NewLedger(store, clock)

	provider := paystack.New(os.Getenv("PAYSTACK_BASE_URL"), os.Getenv("PAYSTACK_SECRET_KEY"))
	orchestrator := payroll.NewOrchestrator(provider, recorder)

	sched := scheduler.New(ledger, orchestrator, recorder, clock)
	if *autoSweep {
		if _, err := sched.StartDailySweep(*sweepHour); err != nil {
			log.Fatalf("Failed to schedule daily sweep: %v", err)
		}
	}
	sched.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := sched.RescheduleAll(ctx); err != nil {
		log.Warnf("Failed to reschedule worker payments: %v", err)
	} else {
		log.Infof("Rescheduled %d worker payment jobs", n)
	}
	cancel()

	// Create router and server
	handler := api.NewHandler(ledger, orchestrator, sched, provider, clock)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Payroll engine listening on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	// Stop firing jobs first; in-flight transfers reach a terminal state.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}
