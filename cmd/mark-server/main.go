// mark-server serves the screening pipeline over HTTP with SQLite
// persistence for completed opinions.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joelkehle/markscreen/internal/httpapi"
	"github.com/joelkehle/markscreen/internal/markscreen"
	"github.com/joelkehle/markscreen/internal/similarity"
	"github.com/joelkehle/markscreen/internal/store"
)

func main() {
	dbFlag := flag.String("db", "", "path to SQLite database file (overrides DB_PATH env var)")
	workers := flag.Int("workers", 4, "max concurrent adjudication calls")
	flag.Parse()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = "screenings.db"
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open sqlite store (%s): %v", dbPath, err)
	}
	defer st.Close()
	log.Printf("using sqlite store at %s", dbPath)

	embedder, err := similarity.NewHTTPEmbedder(similarity.EmbedConfig{
		BaseURL: requiredEnv("EMBEDDING_SERVICE_URL"),
		APIKey:  strings.TrimSpace(os.Getenv("EMBEDDING_SERVICE_API_KEY")),
	})
	if err != nil {
		log.Fatal(err)
	}
	caller, err := markscreen.NewAnthropicCallerFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	pipeline, err := markscreen.NewPipeline(
		similarity.NewScorer(embedder),
		markscreen.NewAdjudicator(caller, markscreen.AdjudicatorConfig{}),
		markscreen.PipelineConfig{AdjudicationWorkers: *workers},
	)
	if err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewServer(pipeline, st),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("mark-server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func requiredEnv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Fatalf("missing required env var %s", key)
	}
	return v
}
