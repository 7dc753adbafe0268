package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/directory"
	"sportloop.org/internal/httpapi"
	"sportloop.org/internal/obs"
	"sportloop.org/internal/store/pg"
)

var version = "0.3.1"

const maxBodyBytes = 1 << 20

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("SPORTLOOP_COMMIT"))

	var (
		dir   directory.Service
		acts  activity.Service
		probe httpapi.ReadyProbe
		store *pg.Store
	)
	if dsn := os.Getenv("SPORTLOOP_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		dir = pg.NewDirectory(store.DB())
		acts = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		// No DSN: serve from memory. Useful for demos and local work.
		dir = directory.NewInMemory()
		acts = activity.NewInMemory()
	}

	api := httpapi.New(dir, acts, probe, version)

	var handler http.Handler = api.Handler()
	handler = httpapi.Logging(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.CORS(handler)
	handler = httpapi.MaxBodyBytes(handler, maxBodyBytes)
	handler = httpapi.RateLimit(handler, 50, 25)

	addr := os.Getenv("SPORTLOOP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sportloop-api %s on %s", version, srv.Addr)

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
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
