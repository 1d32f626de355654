package markscreen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/similarity"
)

const systemPrompt = "You are a trademark attorney assessing likelihood of confusion between a proposed mark and a prior mark under the DuPont factors. Respond with strict JSON only."

type llmFailureClass int

const (
	failureNone llmFailureClass = iota
	failureParse
	failureSchema
	failureEmpty
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
)

type LLMCaller interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey)}, nil
}

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   2048,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// adjudicationResponse is the JSON schema the adjudicator must return.
type adjudicationResponse struct {
	ConflictLikelihood string  `json:"conflict_likelihood"`
	Confidence         float64 `json:"confidence"`
	Rationale          string  `json:"rationale"`
}

func (r adjudicationResponse) validate() error {
	if r.ConflictLikelihood != "CONFLICT" && r.ConflictLikelihood != "NO_CONFLICT" {
		return fmt.Errorf("conflict_likelihood must be CONFLICT or NO_CONFLICT, got %q", r.ConflictLikelihood)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %v", r.Confidence)
	}
	if len(strings.TrimSpace(r.Rationale)) < 20 {
		return errors.New("rationale must explain the judgment, got fewer than 20 characters")
	}
	return nil
}

// AdjudicationMetrics accounts for one Adjudicate call.
type AdjudicationMetrics struct {
	Attempts       int
	ContentRetries int
	CacheHit       bool
}

// AdjudicatorConfig bounds adjudication behavior.
type AdjudicatorConfig struct {
	// MaxAttempts caps LLM calls per pair. Default 3.
	MaxAttempts int
	// CallTimeout bounds each individual LLM call. Default 60s.
	CallTimeout time.Duration
}

func (c AdjudicatorConfig) withDefaults() AdjudicatorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	return c
}

// Adjudicator resolves borderline pairs through an LLM judgment. Valid
// verdicts are cached by pair identity and score, so re-adjudicating
// the same pair within a process is a lookup, not another LLM call.
type Adjudicator struct {
	caller LLMCaller
	cfg    AdjudicatorConfig

	mu    sync.Mutex
	cache map[string]Verdict
}

func NewAdjudicator(caller LLMCaller, cfg AdjudicatorConfig) *Adjudicator {
	return &Adjudicator{
		caller: caller,
		cfg:    cfg.withDefaults(),
		cache:  make(map[string]Verdict),
	}
}

// cacheKey identifies a pair by normalized names plus the scores the
// adjudicator saw. Scores are rounded so float noise does not defeat
// the cache.
func cacheKey(proposed, candidate record.TrademarkRecord, s similarity.Score) string {
	return fmt.Sprintf("%s|%s|%.4f|%.4f",
		similarity.Normalize(proposed.Name), similarity.Normalize(candidate.Name),
		s.Semantic, s.Phonetic)
}

// Adjudicate obtains a verdict for one escalated pair. Transport
// failures retry with backoff, malformed or schema-invalid responses
// retry with corrective feedback, and exhaustion returns an
// AdjudicationError. The call is idempotent: a cached verdict is
// returned without touching the LLM.
func (a *Adjudicator) Adjudicate(ctx context.Context, proposed, candidate record.TrademarkRecord, score similarity.Score) (Verdict, AdjudicationMetrics, error) {
	key := cacheKey(proposed, candidate, score)
	a.mu.Lock()
	if v, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return v, AdjudicationMetrics{CacheHit: true}, nil
	}
	a.mu.Unlock()

	pairID := fmt.Sprintf("%s/%s", proposed.ID(), candidate.ID())
	prompt := buildAdjudicationPrompt(proposed, candidate, score)

	metrics := AdjudicationMetrics{}
	feedback := ""
	maxAttempts := a.cfg.MaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		metrics.Attempts = attempt
		fullPrompt := prompt
		if feedback != "" {
			fullPrompt += "\n\n" + feedback
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		raw, err := a.caller.GenerateJSON(callCtx, fullPrompt)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Verdict{}, metrics, ctx.Err()
			}
			class := classifyTransportError(err)
			if class == failureTimeout || class == failureRateLimit || class == failureServer {
				if attempt < maxAttempts {
					if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
						return Verdict{}, metrics, err
					}
					continue
				}
			}
			return Verdict{}, metrics, &AdjudicationError{PairID: pairID, Attempts: attempt, Err: err}
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			if attempt < maxAttempts {
				metrics.ContentRetries++
				feedback = "Your previous response was empty. Respond with valid JSON."
				continue
			}
			return Verdict{}, metrics, &AdjudicationError{PairID: pairID, Attempts: attempt, Err: errors.New("empty response")}
		}

		var resp adjudicationResponse
		clean := stripCodeFences(raw)
		if err := json.Unmarshal([]byte(clean), &resp); err != nil {
			if attempt < maxAttempts {
				metrics.ContentRetries++
				feedback = "Your previous response was not valid JSON. Respond with only valid JSON."
				continue
			}
			return Verdict{}, metrics, &AdjudicationError{PairID: pairID, Attempts: attempt, Err: fmt.Errorf("json parse: %w", err)}
		}
		if err := resp.validate(); err != nil {
			if attempt < maxAttempts {
				metrics.ContentRetries++
				feedback = fmt.Sprintf("Your response failed validation: %s. Fix these issues.", err)
				continue
			}
			return Verdict{}, metrics, &AdjudicationError{PairID: pairID, Attempts: attempt, Err: err}
		}

		verdict := Verdict{
			Conflict:   resp.ConflictLikelihood == "CONFLICT",
			Confidence: resp.Confidence,
			Rationale:  strings.TrimSpace(resp.Rationale),
		}
		a.mu.Lock()
		a.cache[key] = verdict
		a.mu.Unlock()
		return verdict, metrics, nil
	}
	return Verdict{}, metrics, &AdjudicationError{PairID: pairID, Attempts: maxAttempts, Err: errors.New("retries exhausted")}
}

func buildAdjudicationPrompt(proposed, candidate record.TrademarkRecord, score similarity.Score) string {
	var sb strings.Builder
	sb.WriteString("Assess whether the proposed mark is likely to conflict with the prior mark.\n\n")
	fmt.Fprintf(&sb, "Proposed mark: %q\n", proposed.Name)
	if proposed.GoodsServices != "" {
		fmt.Fprintf(&sb, "Proposed goods/services: %s\n", proposed.GoodsServices)
	}
	fmt.Fprintf(&sb, "Proposed classes: %v\n\n", proposed.Classes)
	fmt.Fprintf(&sb, "Prior mark: %q\n", candidate.Name)
	fmt.Fprintf(&sb, "Prior mark status: %s\n", candidate.Status)
	if candidate.Owner != "" {
		fmt.Fprintf(&sb, "Prior mark owner: %s\n", candidate.Owner)
	}
	if candidate.GoodsServices != "" {
		fmt.Fprintf(&sb, "Prior goods/services: %s\n", candidate.GoodsServices)
	}
	fmt.Fprintf(&sb, "Prior classes: %v\n", candidate.Classes)
	if candidate.DesignPhrase != "" {
		fmt.Fprintf(&sb, "Prior design element: %s\n", candidate.DesignPhrase)
	}
	fmt.Fprintf(&sb, "\nAutomated similarity: semantic=%.2f phonetic=%.2f (both in [0,1])\n", score.Semantic, score.Phonetic)
	sb.WriteString("The automated score fell in the borderline band, so neither channel is conclusive.\n\n")
	sb.WriteString(`Respond with only valid JSON matching this schema:
{
  "conflict_likelihood": "CONFLICT" | "NO_CONFLICT",
  "confidence": <number in [0,1]>,
  "rationale": "<2-4 sentences weighing sound, appearance, meaning, and commercial impression>"
}`)
	return sb.String()
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func classifyTransportError(err error) llmFailureClass {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, " 5") || strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, " 4") || strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
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
