// Package httpapi exposes the screening pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/markscreen/internal/markscreen"
	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/store"
)

// ScreenRunner runs one screening request through the pipeline.
type ScreenRunner interface {
	Run(ctx context.Context, req markscreen.Request) (markscreen.Opinion, error)
}

// OpinionStore persists and retrieves completed screenings.
type OpinionStore interface {
	SaveOpinion(op markscreen.Opinion) error
	GetOpinion(screeningID string) (markscreen.Opinion, error)
	ListScreenings(limit int) ([]store.ScreeningSummary, error)
}

type Server struct {
	runner ScreenRunner
	store  OpinionStore
}

func NewServer(runner ScreenRunner, st OpinionStore) http.Handler {
	s := &Server{runner: runner, store: st}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/screenings", s.handleScreenings)
	mux.HandleFunc("/v1/screenings/", s.handleScreening)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": map[string]any{"message": err.Error()},
	})
}

func (s *Server) handleScreenings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.runScreening(w, r)
	case http.MethodGet:
		s.listScreenings(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) runScreening(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req markscreen.Request
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	op, err := s.runner.Run(r.Context(), req)
	if err != nil {
		var ve *record.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing useful to write.
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.store.SaveOpinion(op); err != nil {
		// The screening itself succeeded. Return it and log the save
		// failure rather than making the client pay for our disk.
		log.Printf("screening %s: save failed: %v", op.ScreeningID, err)
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) listScreenings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.store.ListScreenings(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"screenings": list})
}

// handleScreening serves /v1/screenings/{id} and /v1/screenings/{id}/report.
func (s *Server) handleScreening(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/screenings/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("screening id required"))
		return
	}

	op, err := s.store.GetOpinion(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch sub {
	case "":
		writeJSON(w, http.StatusOK, op)
	case "report":
		s.renderReport(w, op)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource %q", sub))
	}
}

func (s *Server) renderReport(w http.ResponseWriter, op markscreen.Opinion) {
	markdown := markscreen.BuildReport(op)
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("markdown convert: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><html><head><meta charset='utf-8'><title>%s</title>"+
		"<style>body{font-family:Georgia,serif;max-width:860px;margin:2rem auto;padding:0 1rem;color:#1c1917;} "+
		"h1,h2,h3{font-family:Helvetica,Arial,sans-serif;} "+
		"pre{background:#f5f5f4;padding:0.75rem;overflow-x:auto;font-size:0.85rem;}</style>"+
		"</head><body>%s</body></html>",
		html.EscapeString("Trademark Availability Opinion: "+op.Proposed.Name), content.String())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
