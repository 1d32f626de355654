package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const embedPath = "/v1/embeddings"

// EmbedConfig configures the HTTP embedding client.
type EmbedConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Model is passed through to the backend; empty uses the backend
	// default.
	Model string
}

// HTTPEmbedder calls an embedding service over HTTP. Vectors are cached
// per input text, so scoring one proposed mark against a large batch
// embeds the proposed name once.
type HTTPEmbedder struct {
	cfg EmbedConfig

	mu    sync.Mutex
	cache map[string][]float32
}

func NewHTTPEmbedder(cfg EmbedConfig) (*HTTPEmbedder, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("embedding base URL required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEmbedder{cfg: cfg, cache: make(map[string][]float32)}, nil
}

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	if v, ok := e.cache[text]; ok {
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	vec, err := e.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[text] = vec
	e.mu.Unlock()
	return vec, nil
}

func (e *HTTPEmbedder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= 4; attempt++ {
		vec, code, retryAfter, err := e.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if code == http.StatusBadRequest || code == http.StatusForbidden {
			return nil, err
		}
		if attempt == 4 {
			break
		}
		sleep := embedBackoff(attempt)
		if code == http.StatusTooManyRequests && retryAfter > 0 {
			sleep = retryAfter
		}
		if code == http.StatusTooManyRequests || code >= 500 || isTimeout(err) {
			if err := sleepCtx(ctx, sleep); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (e *HTTPEmbedder) embedOnce(ctx context.Context, text string) ([]float32, int, time.Duration, error) {
	payload, _ := json.Marshal(embedRequest{Input: text, Model: e.cfg.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.cfg.BaseURL, "/")+embedPath, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	res, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))

	retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
	if res.StatusCode >= 400 {
		return nil, res.StatusCode, retryAfter, fmt.Errorf("status code: %d body=%s", res.StatusCode, string(b))
	}

	var parsed embedResponse
	if err := json.Unmarshal(b, &parsed); err != nil {
		return nil, res.StatusCode, retryAfter, err
	}
	if len(parsed.Embedding) == 0 {
		return nil, res.StatusCode, retryAfter, fmt.Errorf("empty embedding body=%s", string(b))
	}
	return parsed.Embedding, res.StatusCode, retryAfter, nil
}

func parseRetryAfter(v string) time.Duration {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func embedBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 2 * time.Second
	case 2:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
