package markscreen

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/similarity"
)

type fakeScorer struct {
	scores map[string]similarity.Score
	errs   map[string]error
}

func (f *fakeScorer) Score(_ context.Context, a, b record.TrademarkRecord) (similarity.Score, error) {
	if err := f.errs[b.ID()]; err != nil {
		return similarity.Score{}, err
	}
	s, ok := f.scores[b.ID()]
	if !ok {
		return similarity.Score{}, errors.New("no score for " + b.ID())
	}
	s.RecordA, s.RecordB = a.ID(), b.ID()
	return s, nil
}

type fakeAdjudicator struct {
	verdicts map[string]Verdict
	errs     map[string]error

	mu           sync.Mutex
	called       []string
	inFlight     int32
	maxInFlight  int32
	callDuration time.Duration
}

func (f *fakeAdjudicator) Adjudicate(ctx context.Context, _, candidate record.TrademarkRecord, _ similarity.Score) (Verdict, AdjudicationMetrics, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	if f.callDuration > 0 {
		time.Sleep(f.callDuration)
	}
	atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	f.called = append(f.called, candidate.ID())
	f.mu.Unlock()

	if err := f.errs[candidate.ID()]; err != nil {
		return Verdict{}, AdjudicationMetrics{Attempts: 3}, err
	}
	if v, ok := f.verdicts[candidate.ID()]; ok {
		return v, AdjudicationMetrics{Attempts: 1}, nil
	}
	return Verdict{}, AdjudicationMetrics{Attempts: 1}, errors.New("no verdict for " + candidate.ID())
}

func (f *fakeAdjudicator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.called)
}

func candidate(id, name string, classes ...int) record.TrademarkRecord {
	return record.TrademarkRecord{
		Name: name, SerialNumber: id, Status: record.StatusPending,
		Classes: classes, Owner: "Owner of " + name, GoodsServices: "bottled water",
	}
}

func newTestPipeline(t *testing.T, scorer Scorer, adj VerdictProvider) *Pipeline {
	t.Helper()
	p, err := NewPipeline(scorer, adj, PipelineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func baseRequest(candidates ...record.TrademarkRecord) Request {
	return Request{
		ScreeningID: "scr-test",
		Proposed: record.TrademarkRecord{
			Name: "MOUNTAIN FRESH", SerialNumber: "90111111",
			Classes: []int{32}, Owner: "Proposer LLC",
			GoodsServices: "bottled water", Status: record.StatusPending,
		},
		Candidates: candidates,
	}
}

func findDetermination(t *testing.T, op Opinion, id string) Determination {
	t.Helper()
	for _, sec := range op.Sections {
		for _, d := range sec.Determinations {
			if d.Candidate.ID() == id {
				return d
			}
		}
	}
	t.Fatalf("no determination for %s", id)
	return Determination{}
}

func TestRunLowSimilarityRejectedWithoutAdjudication(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]similarity.Score{
		"87000001": {Semantic: 0.60, Phonetic: 0.40},
	}}
	adj := &fakeAdjudicator{}
	p := newTestPipeline(t, scorer, adj)

	op, err := p.Run(context.Background(), baseRequest(candidate("87000001", "TOTALLY OTHER", 32)))
	if err != nil {
		t.Fatal(err)
	}
	d := findDetermination(t, op, "87000001")
	if d.Classification != ClassificationRejected || d.Risk != RiskNoConflict {
		t.Errorf("determination = %v/%v", d.Classification, d.Risk)
	}
	if adj.callCount() != 0 {
		t.Errorf("rejected pair must not reach the adjudicator, got %d calls", adj.callCount())
	}
	if op.Metadata.PairsRejected != 1 || op.Metadata.AdjudicationCalls != 0 {
		t.Errorf("metadata = %+v", op.Metadata)
	}
}

func TestRunBorderlinePositiveVerdictWithOverlapIsConflict(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]similarity.Score{
		"87000002": {Semantic: 0.80, Phonetic: 0.50},
	}}
	adj := &fakeAdjudicator{verdicts: map[string]Verdict{
		"87000002": {Conflict: true, Confidence: 0.9, Rationale: "confusingly similar dominant elements"},
	}}
	p := newTestPipeline(t, scorer, adj)

	op, err := p.Run(context.Background(), baseRequest(candidate("87000002", "MOUNTAIN CRISP", 32)))
	if err != nil {
		t.Fatal(err)
	}
	d := findDetermination(t, op, "87000002")
	if d.Classification != ClassificationEscalated || d.Risk != RiskConflict {
		t.Fatalf("determination = %v/%v", d.Classification, d.Risk)
	}
	for _, want := range []string{"likely confusion", "shared classes"} {
		if !strings.Contains(d.Rationale, want) {
			t.Errorf("rationale %q should cite %q", d.Rationale, want)
		}
	}
}

func TestRunHighSimilarityNoOverlapIsLowRisk(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]similarity.Score{
		"87000003": {Semantic: 0.90, Phonetic: 0.70},
	}}
	adj := &fakeAdjudicator{}
	p := newTestPipeline(t, scorer, adj)

	cand := candidate("87000003", "MOUNTAIN FRESCO", 41)
	cand.GoodsServices = "live music events"
	op, err := p.Run(context.Background(), baseRequest(cand))
	if err != nil {
		t.Fatal(err)
	}
	d := findDetermination(t, op, "87000003")
	if d.Classification != ClassificationAutoAccepted || d.Risk != RiskLow {
		t.Errorf("determination = %v/%v", d.Classification, d.Risk)
	}
	if adj.callCount() != 0 {
		t.Error("auto-accepted pair must not reach the adjudicator")
	}
}

func TestRunBoundaryScoresEscalate(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]similarity.Score{
		"87000004": {Semantic: 0.75, Phonetic: 0.10},
		"87000005": {Semantic: 0.85, Phonetic: 0.10},
	}}
	adj := &fakeAdjudicator{verdicts: map[string]Verdict{
		"87000004": {Conflict: false, Confidence: 0.7, Rationale: "distinct overall impressions"},
		"87000005": {Conflict: false, Confidence: 0.7, Rationale: "distinct overall impressions"},
	}}
	p := newTestPipeline(t, scorer, adj)

	op, err := p.Run(context.Background(), baseRequest(
		candidate("87000004", "LOWER EDGE", 32),
		candidate("87000005", "UPPER EDGE", 32),
	))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"87000004", "87000005"} {
		if d := findDetermination(t, op, id); d.Classification != ClassificationEscalated {
			t.Errorf("boundary score for %s classified %v", id, d.Classification)
		}
	}
	if op.Metadata.PairsEscalated != 2 {
		t.Errorf("metadata = %+v", op.Metadata)
	}
}

func TestRunAdjudicationFailureIsolatedToPair(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]similarity.Score{
		"87000006": {Semantic: 0.80, Phonetic: 0.10},
		"87000007": {Semantic: 0.80, Phonetic: 0.10},
		"87000008": {Semantic: 0.60, Phonetic: 0.10},
	}}
	adj := &fakeAdjudicator{
		verdicts: map[string]Verdict{
			"87000007": {Conflict: false, Confidence: 0.8, Rationale: "no real likelihood of confusion here"},
		},
		errs: map[string]error{
			"87000006": &AdjudicationError{PairID: "x", Attempts: 3, Err: errors.New("retries exhausted")},
		},
	}
	p := newTestPipeline(t, scorer, adj)

	op, err := p.Run(context.Background(), baseRequest(
		candidate("87000006", "FAILING PAIR", 32),
		candidate("87000007", "FINE PAIR", 32),
		candidate("87000008", "CLEAR PAIR", 32),
	))
	if err != nil {
		t.Fatal(err)
	}
	failed := findDetermination(t, op, "87000006")
	if !failed.Unresolved || !failed.NeedsManualReview() {
		t.Errorf("failed pair = %+v", failed)
	}
	if ok := findDetermination(t, op, "87000007"); ok.Unresolved || ok.Risk == "" {
		t.Errorf("healthy pair affected: %+v", ok)
	}
	if clear := findDetermination(t, op, "87000008"); clear.Risk != RiskNoConflict {
		t.Errorf("rejected pair affected: %+v", clear)
	}
	if op.Metadata.PairsUnresolved != 1 {
		t.Errorf("metadata = %+v", op.Metadata)
	}
}

func TestRunScoringFailureIsolatedToPair(t *testing.T) {
	scorer := &fakeScorer{
		scores: map[string]similarity.Score{"87000010": {Semantic: 0.60, Phonetic: 0.10}},
		errs:   map[string]error{"87000009": &similarity.ScoringError{RecordA: "a", RecordB: "87000009", Reason: "embedding failed"}},
	}
	p := newTestPipeline(t, scorer, &fakeAdjudicator{})

	op, err := p.Run(context.Background(), baseRequest(
		candidate("87000009", "BROKEN", 32),
		candidate("87000010", "WORKING", 32),
	))
	if err != nil {
		t.Fatal(err)
	}
	if d := findDetermination(t, op, "87000009"); !d.Unresolved {
		t.Errorf("scoring failure should mark the pair unresolved: %+v", d)
	}
	if d := findDetermination(t, op, "87000010"); d.Unresolved {
		t.Errorf("healthy pair affected: %+v", d)
	}
}

func TestRunValidationFailureIsBatchFatal(t *testing.T) {
	p := newTestPipeline(t, &fakeScorer{}, &fakeAdjudicator{})
	req := baseRequest(record.TrademarkRecord{Name: "", Classes: nil})
	_, err := p.Run(context.Background(), req)
	var ve *record.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunCrowdedFieldDampensConflicts(t *testing.T) {
	scores := map[string]similarity.Score{}
	var cands []record.TrademarkRecord
	owners := []string{"Alpha Co", "Beta Co", "Gamma Co", "Delta Co", "Epsilon Co", "Zeta Co"}
	for i, owner := range owners {
		id := "8810000" + string(rune('0'+i))
		c := candidate(id, "VALLEY FRESH "+owner[:5], 32)
		c.Owner = owner
		cands = append(cands, c)
		scores[id] = similarity.Score{Semantic: 0.60, Phonetic: 0.10}
	}
	// One genuine conflict carrying the crowded term.
	conflict := candidate("88200001", "SIERRA FRESH", 32)
	cands = append(cands, conflict)
	scores["88200001"] = similarity.Score{Semantic: 0.90, Phonetic: 0.60}

	p := newTestPipeline(t, &fakeScorer{scores: scores}, &fakeAdjudicator{})
	op, err := p.Run(context.Background(), baseRequest(cands...))
	if err != nil {
		t.Fatal(err)
	}
	if op.CrowdedField == nil || !op.CrowdedField.Crowded {
		t.Fatalf("field should be crowded: %+v", op.CrowdedField)
	}
	d := findDetermination(t, op, "88200001")
	if d.Risk != RiskLow {
		t.Errorf("conflict should be dampened to LowRisk, got %v", d.Risk)
	}
	if !strings.Contains(d.Rationale, "crowded") {
		t.Errorf("rationale %q should cite the crowded field", d.Rationale)
	}
}

func TestRunBoundsAdjudicationConcurrency(t *testing.T) {
	scores := map[string]similarity.Score{}
	var cands []record.TrademarkRecord
	verdicts := map[string]Verdict{}
	for i := 0; i < 8; i++ {
		id := "8830000" + string(rune('0'+i))
		cands = append(cands, candidate(id, "EDGE MARK "+string(rune('A'+i)), 32))
		scores[id] = similarity.Score{Semantic: 0.80, Phonetic: 0.10}
		verdicts[id] = Verdict{Conflict: false, Confidence: 0.7, Rationale: "no confusion likely between these marks"}
	}
	adj := &fakeAdjudicator{verdicts: verdicts, callDuration: 20 * time.Millisecond}
	p, err := NewPipeline(&fakeScorer{scores: scores}, adj, PipelineConfig{AdjudicationWorkers: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), baseRequest(cands...)); err != nil {
		t.Fatal(err)
	}
	if adj.callCount() != 8 {
		t.Errorf("expected 8 adjudications, got %d", adj.callCount())
	}
	if max := atomic.LoadInt32(&adj.maxInFlight); max > 2 {
		t.Errorf("adjudication concurrency %d exceeded worker bound 2", max)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newTestPipeline(t, &fakeScorer{}, &fakeAdjudicator{})
	_, err := p.Run(ctx, baseRequest(candidate("87000011", "ANY MARK", 32)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunAssignsScreeningID(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]similarity.Score{
		"87000012": {Semantic: 0.10, Phonetic: 0.10},
	}}
	p := newTestPipeline(t, scorer, &fakeAdjudicator{})
	req := baseRequest(candidate("87000012", "FAR AWAY", 32))
	req.ScreeningID = ""
	op, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if op.ScreeningID == "" {
		t.Error("pipeline should assign a screening ID")
	}
}

func TestRunEmitsProgress(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]similarity.Score{
		"87000013": {Semantic: 0.10, Phonetic: 0.10},
	}}
	p := newTestPipeline(t, scorer, &fakeAdjudicator{})
	var mu sync.Mutex
	var stages []string
	p.SetProgress(func(stage, status string) {
		mu.Lock()
		defer mu.Unlock()
		if status == "completed" {
			stages = append(stages, stage)
		}
	})
	if _, err := p.Run(context.Background(), baseRequest(candidate("87000013", "FAR OFF", 32))); err != nil {
		t.Fatal(err)
	}
	want := []string{"validate", "score", "adjudicate", "assess", "assemble"}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %q, want %q", i, stages[i], want[i])
		}
	}
}
