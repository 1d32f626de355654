package markscreen

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/similarity"
)

type fakeCaller struct {
	responses []string
	errs      []error
	i         int
	prompts   []string
}

func (f *fakeCaller) GenerateJSON(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	idx := f.i
	f.i++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	if err != nil {
		return "", err
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return "", errors.New("fakeCaller exhausted")
}

const validVerdict = `{"conflict_likelihood": "CONFLICT", "confidence": 0.82, "rationale": "The marks share a dominant element and overlapping goods."}`

func proposedMark() record.TrademarkRecord {
	return record.TrademarkRecord{Name: "MOUNTAIN FRESH", SerialNumber: "90111111", Classes: []int{32}}
}

func candidateMark() record.TrademarkRecord {
	return record.TrademarkRecord{Name: "MOUNTAIN CRISP", SerialNumber: "87222222", Classes: []int{32}, Status: record.StatusRegistered}
}

func borderlineScore() similarity.Score {
	return similarity.Score{RecordA: "90111111", RecordB: "87222222", Semantic: 0.80, Phonetic: 0.55}
}

func TestAdjudicateParsesValidVerdict(t *testing.T) {
	a := NewAdjudicator(&fakeCaller{responses: []string{validVerdict}}, AdjudicatorConfig{})
	v, m, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Conflict || v.Confidence != 0.82 {
		t.Errorf("verdict = %+v", v)
	}
	if m.Attempts != 1 || m.CacheHit {
		t.Errorf("metrics = %+v", m)
	}
}

func TestAdjudicateStripsCodeFences(t *testing.T) {
	fenced := "```json\n" + validVerdict + "\n```"
	a := NewAdjudicator(&fakeCaller{responses: []string{fenced}}, AdjudicatorConfig{})
	v, _, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Conflict {
		t.Errorf("verdict = %+v", v)
	}
}

func TestAdjudicateRetriesMalformedJSON(t *testing.T) {
	caller := &fakeCaller{responses: []string{"not json at all", validVerdict}}
	a := NewAdjudicator(caller, AdjudicatorConfig{})
	_, m, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Attempts != 2 || m.ContentRetries != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if len(caller.prompts) != 2 || !strings.Contains(caller.prompts[1], "not valid JSON") {
		t.Error("second prompt should carry corrective feedback")
	}
}

func TestAdjudicateRetriesSchemaViolation(t *testing.T) {
	bad := `{"conflict_likelihood": "MAYBE", "confidence": 0.5, "rationale": "Could go either way on these two marks."}`
	caller := &fakeCaller{responses: []string{bad, validVerdict}}
	a := NewAdjudicator(caller, AdjudicatorConfig{})
	_, m, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ContentRetries != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if !strings.Contains(caller.prompts[1], "failed validation") {
		t.Error("feedback should explain the schema failure")
	}
}

func TestAdjudicateExhaustionReturnsAdjudicationError(t *testing.T) {
	caller := &fakeCaller{responses: []string{"bad", "worse", "still bad"}}
	a := NewAdjudicator(caller, AdjudicatorConfig{})
	_, m, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	var ae *AdjudicationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AdjudicationError, got %v", err)
	}
	if ae.Attempts != 3 || m.Attempts != 3 {
		t.Errorf("attempts = %d, metrics = %+v", ae.Attempts, m)
	}
	if caller.i != 3 {
		t.Errorf("expected exactly 3 LLM calls, got %d", caller.i)
	}
}

func TestAdjudicateTransportErrorsRetryWithBackoff(t *testing.T) {
	caller := &fakeCaller{
		errs:      []error{errors.New("status code: 529 overloaded"), nil},
		responses: []string{"", validVerdict},
	}
	a := NewAdjudicator(caller, AdjudicatorConfig{})
	start := time.Now()
	_, m, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Attempts != 2 {
		t.Errorf("metrics = %+v", m)
	}
	if time.Since(start) < backoffDelay(1) {
		t.Error("expected backoff sleep between transport retries")
	}
}

func TestAdjudicateClientErrorFailsFast(t *testing.T) {
	caller := &fakeCaller{errs: []error{errors.New("status code: 401 unauthorized")}}
	a := NewAdjudicator(caller, AdjudicatorConfig{})
	_, _, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	var ae *AdjudicationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AdjudicationError, got %v", err)
	}
	if caller.i != 1 {
		t.Errorf("4xx should not retry, got %d calls", caller.i)
	}
}

func TestAdjudicateCachesVerdicts(t *testing.T) {
	caller := &fakeCaller{responses: []string{validVerdict}}
	a := NewAdjudicator(caller, AdjudicatorConfig{})
	first, _, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	if err != nil {
		t.Fatal(err)
	}
	second, m, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	if err != nil {
		t.Fatal(err)
	}
	if !m.CacheHit {
		t.Error("second call should hit the cache")
	}
	if first != second {
		t.Errorf("cached verdict differs: %+v vs %+v", first, second)
	}
	if caller.i != 1 {
		t.Errorf("expected exactly 1 LLM call, got %d", caller.i)
	}
}

func TestAdjudicateFailedAttemptsAreNotCached(t *testing.T) {
	caller := &fakeCaller{responses: []string{"bad", "bad", "bad", validVerdict}}
	a := NewAdjudicator(caller, AdjudicatorConfig{})
	if _, _, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore()); err == nil {
		t.Fatal("expected failure")
	}
	v, m, err := a.Adjudicate(context.Background(), proposedMark(), candidateMark(), borderlineScore())
	if err != nil {
		t.Fatalf("retry after failure should reach the LLM again: %v", err)
	}
	if m.CacheHit {
		t.Error("failure must not be served from cache")
	}
	if !v.Conflict {
		t.Errorf("verdict = %+v", v)
	}
}

func TestAdjudicateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	caller := &fakeCaller{errs: []error{context.Canceled}}
	a := NewAdjudicator(caller, AdjudicatorConfig{})
	_, _, err := a.Adjudicate(ctx, proposedMark(), candidateMark(), borderlineScore())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBuildAdjudicationPromptContainsBothMarks(t *testing.T) {
	p := buildAdjudicationPrompt(proposedMark(), candidateMark(), borderlineScore())
	for _, want := range []string{"MOUNTAIN FRESH", "MOUNTAIN CRISP", "conflict_likelihood", "semantic=0.80"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
