package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"couchsync/server/internal/api"
	"couchsync/server/internal/config"
	"couchsync/server/internal/gateway"
	"couchsync/server/internal/room"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()

	rooms := room.NewRegistry(room.Options{
		GracePeriod:    cfg.Room.GracePeriod,
		IdleTTL:        cfg.Room.IdleTTL,
		SweepInterval:  cfg.Room.SweepInterval,
		DriftThreshold: cfg.Sync.DriftThreshold,
	})
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go rooms.Run(sweepCtx)

	gw := gateway.NewServer(cfg, rooms)

	h := api.NewHandlers(rooms)
	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(h))
	// WS peer route
	mux.HandleFunc("/ws", gw.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutdown signal received; stopping server...")
		// Close live peer channels before draining HTTP; Shutdown does
		// not touch hijacked connections.
		stopSweep()
		gw.CloseAll("server shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Printf("server starting on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Println("server error:", err)
		os.Exit(1)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
