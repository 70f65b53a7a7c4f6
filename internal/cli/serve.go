package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowkeylabs/stratum/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	db, eng, cfg, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()

	// The engine holds no schedule of its own; when a sweep interval is
	// configured, serve plays the external caller that triggers sweeps.
	stopSweeps := make(chan struct{})
	if cfg.Engine.SweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Engine.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.SweepInterval)
					if report, err := eng.ReclassifyAll(ctx, "", ""); err != nil {
						log.Printf("sweep: reclassify: %v", err)
					} else if report.Updated > 0 {
						log.Printf("sweep: reclassified %d snapshots", report.Updated)
					}
					if report, err := eng.PredictBatch(ctx, "", 0, ""); err != nil {
						log.Printf("sweep: predict: %v", err)
					} else if report.Updated > 0 {
						log.Printf("sweep: recomputed %d predictions", report.Updated)
					}
					cancel()
				case <-stopSweeps:
					return
				}
			}
		}()
	}
	defer close(stopSweeps)

	srv := server.New(db, eng, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "stratum serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", db.Path)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
