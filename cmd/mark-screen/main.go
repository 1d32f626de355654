// mark-screen runs one trademark screening from a JSON request file and
// writes the opinion JSON (and optionally a markdown report) to disk.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joelkehle/markscreen/internal/markscreen"
	"github.com/joelkehle/markscreen/internal/similarity"
)

func main() {
	inputPath := flag.String("input", "", "path to screening request JSON (proposed mark plus candidates)")
	outputPath := flag.String("output", "", "path for opinion JSON (default stdout)")
	reportPath := flag.String("report", "", "optional path for the markdown report")
	workers := flag.Int("workers", 4, "max concurrent adjudication calls")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("missing required flag -input")
	}

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
	pipeline.SetProgress(func(stage, status string) {
		log.Printf("stage %s %s", stage, status)
	})

	blob, err := os.ReadFile(*inputPath)
	if err != nil {
		log.Fatal(err)
	}
	var req markscreen.Request
	if err := json.Unmarshal(blob, &req); err != nil {
		log.Fatalf("decode request: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	op, err := pipeline.Run(ctx, req)
	if err != nil {
		log.Fatal(err)
	}

	out, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	if *outputPath == "" {
		os.Stdout.Write(append(out, '\n'))
	} else if err := os.WriteFile(*outputPath, out, 0o644); err != nil {
		log.Fatal(err)
	}
	if *reportPath != "" {
		if err := os.WriteFile(*reportPath, []byte(markscreen.BuildReport(op)), 0o644); err != nil {
			log.Fatal(err)
		}
	}
	log.Printf("screening %s complete: %s (%s)", op.ScreeningID, op.RiskRating, op.OverallRisk)
}

func requiredEnv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Fatalf("missing required env var %s", key)
	}
	return v
}
