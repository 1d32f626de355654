// Package markscreen implements the trademark conflict screening
// pipeline: deterministic similarity classification, LLM adjudication
// of borderline pairs, conflict assessment, and clearance opinion
// assembly.
package markscreen

import (
	"fmt"
	"time"

	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/similarity"
)

// Classification is the outcome of the deterministic threshold stage.
type Classification string

const (
	ClassificationRejected     Classification = "REJECTED"
	ClassificationEscalated    Classification = "ESCALATED"
	ClassificationAutoAccepted Classification = "AUTO_ACCEPTED"
)

// Risk is the conflict level assigned to a pair after assessment.
type Risk string

const (
	RiskNoConflict Risk = "NO_CONFLICT"
	RiskLow        Risk = "LOW_RISK"
	RiskConflict   Risk = "CONFLICT"
)

// MarketContext describes how the proposed mark's trade channels relate
// to a candidate's. It is supplied by the caller per screening; absent
// input it stays neutral.
type MarketContext string

const (
	ContextNeutral          MarketContext = "NEUTRAL"
	ContextSharedChannels   MarketContext = "SHARED_CHANNELS"
	ContextDistinctChannels MarketContext = "DISTINCT_CHANNELS"
)

// ClassifierConfig holds the similarity bands for the threshold stage.
// Scores below RejectBelow are rejected, scores in
// [RejectBelow, EscalateUpper] are escalated, scores above EscalateUpper
// are auto-accepted. Both boundary values escalate.
type ClassifierConfig struct {
	RejectBelow   float64 `json:"reject_below"`
	EscalateUpper float64 `json:"escalate_upper"`
}

// DefaultClassifierConfig returns the standard 0.75 / 0.85 bands.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{RejectBelow: 0.75, EscalateUpper: 0.85}
}

func (c ClassifierConfig) validate() error {
	if c.RejectBelow < 0 || c.EscalateUpper > 1 || c.RejectBelow > c.EscalateUpper {
		return fmt.Errorf("invalid classifier bands: reject_below=%v escalate_upper=%v", c.RejectBelow, c.EscalateUpper)
	}
	return nil
}

// Verdict is the adjudicator's structured judgment on a borderline pair.
type Verdict struct {
	Conflict   bool    `json:"conflict"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// OverlapSignal captures how much two marks' commercial footprints
// intersect, independent of name similarity.
type OverlapSignal struct {
	SharedClasses []int   `json:"shared_classes,omitempty"`
	GoodsOverlap  float64 `json:"goods_overlap"`
}

// ClassOverlap reports whether the marks share any Nice class.
func (o OverlapSignal) ClassOverlap() bool { return len(o.SharedClasses) > 0 }

// ContextSignal carries the non-overlap context inputs to assessment.
type ContextSignal struct {
	Market   MarketContext `json:"market"`
	DeadMark bool          `json:"dead_mark"`
}

// Determination is the fully assessed outcome for one proposed/candidate
// pair. Every field that influenced the risk level is recorded so the
// rationale is auditable without re-running the pipeline.
type Determination struct {
	PairID         string                 `json:"pair_id"`
	Candidate      record.TrademarkRecord `json:"candidate"`
	Score          similarity.Score       `json:"score"`
	Combined       float64                `json:"combined"`
	Classification Classification         `json:"classification"`
	Verdict        *Verdict               `json:"verdict,omitempty"`
	Overlap        OverlapSignal          `json:"overlap"`
	Context        ContextSignal          `json:"context"`
	Risk           Risk                   `json:"risk"`
	Rationale      string                 `json:"rationale"`
	Unresolved     bool                   `json:"unresolved,omitempty"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
}

// NeedsManualReview reports whether the pair requires attorney review:
// either the pipeline could not resolve it or it was assessed as a
// conflict.
func (d Determination) NeedsManualReview() bool {
	return d.Unresolved || d.Risk == RiskConflict
}

// DataQualityWarning flags an internally inconsistent record. Warnings
// never stop a screening; they are attached to the opinion.
type DataQualityWarning struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (w DataQualityWarning) String() string {
	return fmt.Sprintf("%s: %s (%s)", w.RecordID, w.Message, w.Field)
}

// CrowdedFieldFinding summarizes third-party prevalence of the proposed
// mark's dominant element.
type CrowdedFieldFinding struct {
	Term           string  `json:"term"`
	TotalMarks     int     `json:"total_marks"`
	MatchingMarks  int     `json:"matching_marks"`
	DistinctOwners int     `json:"distinct_owners"`
	OwnerShare     float64 `json:"owner_share"`
	Crowded        bool    `json:"crowded"`
	Explanation    string  `json:"explanation"`
}

// Request is one screening job: a proposed mark checked against a batch
// of potentially conflicting candidates.
type Request struct {
	ScreeningID string                   `json:"screening_id,omitempty"`
	Proposed    record.TrademarkRecord   `json:"proposed"`
	Candidates  []record.TrademarkRecord `json:"candidates"`
	Market      MarketContext            `json:"market,omitempty"`
}

// Section is one block of the clearance opinion.
type Section struct {
	Title          string          `json:"title"`
	Narrative      string          `json:"narrative,omitempty"`
	Determinations []Determination `json:"determinations,omitempty"`
}

// RunMetadata records pipeline accounting for one screening.
type RunMetadata struct {
	PairsTotal        int       `json:"pairs_total"`
	PairsRejected     int       `json:"pairs_rejected"`
	PairsEscalated    int       `json:"pairs_escalated"`
	PairsAutoAccepted int       `json:"pairs_auto_accepted"`
	PairsUnresolved   int       `json:"pairs_unresolved"`
	AdjudicationCalls int       `json:"adjudication_calls"`
	AdjudicationHits  int       `json:"adjudication_cache_hits"`
	TotalRetries      int       `json:"total_retries"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// Opinion is the complete screening result for one request.
type Opinion struct {
	ScreeningID  string                 `json:"screening_id"`
	Proposed     record.TrademarkRecord `json:"proposed"`
	OverallRisk  Risk                   `json:"overall_risk"`
	RiskRating   string                 `json:"risk_rating"`
	Sections     []Section              `json:"sections"`
	CrowdedField *CrowdedFieldFinding   `json:"crowded_field,omitempty"`
	Warnings     []DataQualityWarning   `json:"warnings,omitempty"`
	Metadata     RunMetadata            `json:"metadata"`
}

// Combined collapses the two similarity channels into the single value
// the threshold stage classifies on. The stronger channel wins: a pair
// that is equivalent on either channel is a potential conflict even if
// the other channel disagrees.
func Combined(s similarity.Score) float64 {
	if s.Phonetic > s.Semantic {
		return s.Phonetic
	}
	return s.Semantic
}
