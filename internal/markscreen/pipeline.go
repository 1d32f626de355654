package markscreen

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/similarity"
)

// StageProgressFn receives pipeline stage transitions for callers that
// surface progress (CLI spinner, server logs).
type StageProgressFn func(stage, status string)

// Scorer computes similarity for one pair.
type Scorer interface {
	Score(ctx context.Context, a, b record.TrademarkRecord) (similarity.Score, error)
}

// VerdictProvider resolves borderline pairs.
type VerdictProvider interface {
	Adjudicate(ctx context.Context, proposed, candidate record.TrademarkRecord, score similarity.Score) (Verdict, AdjudicationMetrics, error)
}

// PipelineConfig assembles the stage configs plus concurrency bounds.
type PipelineConfig struct {
	Classifier   ClassifierConfig
	Assessor     AssessorConfig
	CrowdedField CrowdedFieldConfig
	// AdjudicationWorkers bounds concurrent LLM calls. Default 4.
	AdjudicationWorkers int
}

// Pipeline runs a full screening: score, classify, adjudicate
// borderline pairs, assess, and assemble the clearance opinion.
// Scoring and assessment are deterministic and run sequentially;
// only adjudication fans out to a bounded worker pool.
type Pipeline struct {
	scorer      Scorer
	adjudicator VerdictProvider
	classifier  *Classifier
	assessor    *Assessor
	crowded     *CrowdedFieldAnalyzer
	workers     int
	progress    StageProgressFn
}

func NewPipeline(scorer Scorer, adjudicator VerdictProvider, cfg PipelineConfig) (*Pipeline, error) {
	if scorer == nil {
		return nil, errors.New("scorer required")
	}
	if adjudicator == nil {
		return nil, errors.New("adjudicator required")
	}
	classifier, err := NewClassifier(cfg.Classifier)
	if err != nil {
		return nil, err
	}
	workers := cfg.AdjudicationWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		scorer:      scorer,
		adjudicator: adjudicator,
		classifier:  classifier,
		assessor:    NewAssessor(cfg.Assessor),
		crowded:     NewCrowdedFieldAnalyzer(cfg.CrowdedField),
		workers:     workers,
	}, nil
}

// SetProgress installs a progress callback. Nil disables reporting.
func (p *Pipeline) SetProgress(fn StageProgressFn) { p.progress = fn }

func (p *Pipeline) emit(stage, status string) {
	if p.progress != nil {
		p.progress(stage, status)
	}
}

// adjudicationJob carries one escalated pair into the worker pool.
type adjudicationJob struct {
	idx       int
	candidate record.TrademarkRecord
	score     similarity.Score
}

type adjudicationResult struct {
	verdict Verdict
	metrics AdjudicationMetrics
	err     error
}

// Run executes one screening. Validation failures are batch-fatal and
// return an error; every other per-pair failure is isolated into that
// pair's determination, so one bad pair never sinks the batch.
func (p *Pipeline) Run(ctx context.Context, req Request) (Opinion, error) {
	meta := RunMetadata{StartedAt: time.Now().UTC(), PairsTotal: len(req.Candidates)}
	if req.ScreeningID == "" {
		req.ScreeningID = uuid.NewString()
	}

	p.emit("validate", "started")
	if err := record.Validate(req.Proposed); err != nil {
		return Opinion{}, fmt.Errorf("proposed mark: %w", err)
	}
	if err := record.ValidateBatch(req.Candidates); err != nil {
		return Opinion{}, err
	}
	warnings := append(CheckRecord(req.Proposed), CheckBatch(req.Candidates)...)
	p.emit("validate", "completed")

	p.emit("score", "started")
	dets := make([]Determination, len(req.Candidates))
	for i, cand := range req.Candidates {
		if err := ctx.Err(); err != nil {
			return Opinion{}, err
		}
		d := Determination{
			PairID:    fmt.Sprintf("%s/%s", req.Proposed.ID(), cand.ID()),
			Candidate: cand,
			Overlap:   BuildOverlapSignal(req.Proposed, cand),
			Context:   BuildContextSignal(req.Market, cand),
		}
		score, err := p.scorer.Score(ctx, req.Proposed, cand)
		if err != nil {
			if ctx.Err() != nil {
				return Opinion{}, ctx.Err()
			}
			log.Printf("screening %s: pair %s scoring failed: %v", req.ScreeningID, d.PairID, err)
			d.Unresolved = true
			d.FailureReason = err.Error()
			d.Rationale = "similarity could not be computed; manual review required"
			dets[i] = d
			continue
		}
		d.Score = score
		d.Combined = Combined(score)
		d.Classification = p.classifier.Classify(score)
		dets[i] = d
	}
	p.emit("score", "completed")

	p.emit("adjudicate", "started")
	if err := p.adjudicateEscalated(ctx, req, dets, &meta); err != nil {
		return Opinion{}, err
	}
	p.emit("adjudicate", "completed")

	p.emit("assess", "started")
	finding := p.crowded.Analyze(req.Proposed, req.Candidates)
	for i := range dets {
		d := &dets[i]
		switch {
		case d.Unresolved:
			meta.PairsUnresolved++
			continue
		case d.Classification == ClassificationRejected:
			meta.PairsRejected++
		case d.Classification == ClassificationEscalated:
			meta.PairsEscalated++
		case d.Classification == ClassificationAutoAccepted:
			meta.PairsAutoAccepted++
		}
		d.Risk, d.Rationale = p.assessor.Assess(d.Classification, d.Verdict, d.Overlap, d.Context)
		*d = p.crowded.Apply(finding, req.Proposed, *d)
	}
	p.emit("assess", "completed")

	meta.CompletedAt = time.Now().UTC()
	p.emit("assemble", "started")
	op := AssembleOpinion(req, dets, finding, warnings, meta)
	p.emit("assemble", "completed")
	return op, nil
}

// adjudicateEscalated fans escalated pairs out to the worker pool. Each
// worker writes only its own result slot, so results need no lock. An
// adjudication failure marks just that pair unresolved.
func (p *Pipeline) adjudicateEscalated(ctx context.Context, req Request, dets []Determination, meta *RunMetadata) error {
	var escalated []adjudicationJob
	for i, d := range dets {
		if !d.Unresolved && d.Classification == ClassificationEscalated {
			escalated = append(escalated, adjudicationJob{idx: i, candidate: d.Candidate, score: d.Score})
		}
	}
	if len(escalated) == 0 {
		return nil
	}

	workers := p.workers
	if workers > len(escalated) {
		workers = len(escalated)
	}

	jobs := make(chan adjudicationJob)
	results := make(map[int]adjudicationResult, len(escalated))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				verdict, metrics, err := p.adjudicator.Adjudicate(ctx, req.Proposed, job.candidate, job.score)
				mu.Lock()
				results[job.idx] = adjudicationResult{verdict: verdict, metrics: metrics, err: err}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, job := range escalated {
		select {
		case jobs <- job:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	for _, job := range escalated {
		res, ok := results[job.idx]
		if !ok {
			continue
		}
		d := &dets[job.idx]
		if !res.metrics.CacheHit {
			meta.AdjudicationCalls += res.metrics.Attempts
		} else {
			meta.AdjudicationHits++
		}
		meta.TotalRetries += res.metrics.ContentRetries
		if res.err != nil {
			log.Printf("screening %s: pair %s adjudication failed: %v", req.ScreeningID, d.PairID, res.err)
			d.Unresolved = true
			d.FailureReason = res.err.Error()
			d.Rationale = "borderline similarity could not be adjudicated; manual review required"
			continue
		}
		v := res.verdict
		d.Verdict = &v
	}
	return nil
}
