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

	"entrypass.org/internal/httpapi"
	"entrypass.org/internal/ledger"
	"entrypass.org/internal/obs"
	"entrypass.org/internal/pass"
	"entrypass.org/internal/store/pg"
	"entrypass.org/internal/stream"
)

var version = "0.3.1"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("ENTRYPASS_COMMIT"))

	addr := os.Getenv("ENTRYPASS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	var (
		passes  pass.Service
		wallets ledger.Service
		probe   httpapi.ReadyProbe
	)
	if dsn := os.Getenv("ENTRYPASS_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		passes = store
		wallets = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		// In-memory demo backend: state lives for the process lifetime.
		settle := ledger.NewInMemory()
		passes = pass.NewInMemory(settle)
		wallets = settle
	}

	api := httpapi.New(probe, version, passes, wallets, stream.New())

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting entrypass-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
