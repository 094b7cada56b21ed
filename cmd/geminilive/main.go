package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/geminilive/internal/app"
	"github.com/ent0n29/geminilive/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	log.Printf("voice mode: %s (%s)", built.Voice.Mode, built.Voice.Detail)
	log.Printf("brain mode: %s", built.BrainMode)

	httpServer := &http.Server{
		Addr:              built.Config.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", built.Config.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), built.Config.ShutdownTimeout)
	defer cancel()
	// Ending sessions first sends session_closed and releases hijacked websockets.
	if err := built.Cleanup(); err != nil {
		log.Printf("cleanup failed: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
