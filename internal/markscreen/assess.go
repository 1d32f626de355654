package markscreen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/similarity"
)

// AssessorConfig tunes the conflict assessment stage.
type AssessorConfig struct {
	// OverlapOverride is the goods/services overlap ratio at which a
	// negative adjudication verdict is re-flagged to LowRisk instead of
	// cleared outright. Default 0.30.
	OverlapOverride float64
}

func (c AssessorConfig) withDefaults() AssessorConfig {
	if c.OverlapOverride <= 0 {
		c.OverlapOverride = 0.30
	}
	return c
}

// Assessor maps each pair's classification, adjudication verdict, and
// overlap/context signals onto a conflict level with an auditable
// rationale.
type Assessor struct {
	cfg AssessorConfig
}

func NewAssessor(cfg AssessorConfig) *Assessor {
	return &Assessor{cfg: cfg.withDefaults()}
}

// BuildOverlapSignal computes the commercial-footprint intersection of
// two marks: shared Nice classes and goods/services keyword overlap.
func BuildOverlapSignal(proposed, candidate record.TrademarkRecord) OverlapSignal {
	var shared []int
	for _, c := range proposed.Classes {
		if candidate.HasClass(c) {
			shared = append(shared, c)
		}
	}
	sort.Ints(shared)
	return OverlapSignal{
		SharedClasses: shared,
		GoodsOverlap:  similarity.KeywordOverlapRatio(proposed.GoodsServices, candidate.GoodsServices),
	}
}

// BuildContextSignal derives the context inputs for one candidate.
// Market context is screening-wide; dead-mark status is per candidate.
func BuildContextSignal(market MarketContext, candidate record.TrademarkRecord) ContextSignal {
	if market == "" {
		market = ContextNeutral
	}
	return ContextSignal{Market: market, DeadMark: candidate.Status.Dead()}
}

// Assess determines the conflict level for one pair. The decision is a
// pure function of its inputs:
//
//   - Rejected pairs are NoConflict regardless of overlap. The
//     threshold stage already found the names dissimilar, and overlap
//     without name similarity is not a conflict.
//   - A negative adjudication verdict clears the pair unless the
//     goods/services overlap reaches the override ratio, in which case
//     the pair is kept visible as LowRisk rather than silently cleared.
//   - Name similarity (auto-accepted, or escalated with a positive
//     verdict) plus any corroborating signal -- shared classes, strong
//     goods overlap, shared trade channels -- is a Conflict. Name
//     similarity alone is LowRisk.
//   - A dead prior mark caps the level at LowRisk: residual common-law
//     exposure, not a registry conflict.
func (a *Assessor) Assess(cls Classification, verdict *Verdict, overlap OverlapSignal, ctxSig ContextSignal) (Risk, string) {
	var reasons []string
	citeScore := func() {
		if overlap.ClassOverlap() {
			reasons = append(reasons, fmt.Sprintf("shared classes %v", overlap.SharedClasses))
		}
		if overlap.GoodsOverlap > 0 {
			reasons = append(reasons, fmt.Sprintf("goods/services overlap %.0f%%", overlap.GoodsOverlap*100))
		}
	}

	if cls == ClassificationRejected {
		reasons = append(reasons, "similarity below rejection threshold")
		citeScore()
		if overlap.ClassOverlap() || overlap.GoodsOverlap > 0 {
			reasons = append(reasons, "overlap alone does not create confusion between dissimilar names")
		}
		return RiskNoConflict, joinReasons(reasons)
	}

	goodsStrong := overlap.GoodsOverlap >= a.cfg.OverlapOverride

	if cls == ClassificationEscalated && verdict != nil && !verdict.Conflict {
		reasons = append(reasons, fmt.Sprintf("adjudicator found no likely confusion (confidence %.2f): %s", verdict.Confidence, verdict.Rationale))
		if goodsStrong {
			citeScore()
			reasons = append(reasons, fmt.Sprintf("goods/services overlap %.0f%% meets the %.0f%% override floor, verdict tempered to low risk", overlap.GoodsOverlap*100, a.cfg.OverlapOverride*100))
			return RiskLow, joinReasons(reasons)
		}
		return RiskNoConflict, joinReasons(reasons)
	}

	switch cls {
	case ClassificationAutoAccepted:
		reasons = append(reasons, "similarity above auto-accept threshold")
	case ClassificationEscalated:
		if verdict != nil {
			reasons = append(reasons, fmt.Sprintf("adjudicator found likely confusion (confidence %.2f): %s", verdict.Confidence, verdict.Rationale))
		}
	}

	signals := 0
	if overlap.ClassOverlap() {
		signals++
	}
	if goodsStrong {
		signals++
	}
	if ctxSig.Market == ContextSharedChannels {
		signals++
		reasons = append(reasons, "marks travel in shared trade channels")
	}
	citeScore()

	risk := RiskLow
	switch {
	case signals == 0:
		reasons = append(reasons, "no class or goods/services overlap corroborates the name similarity")
	case signals == 1 && ctxSig.Market == ContextDistinctChannels:
		reasons = append(reasons, "distinct trade channels temper the single corroborating signal")
	default:
		risk = RiskConflict
	}

	if risk == RiskConflict && ctxSig.DeadMark {
		risk = RiskLow
		reasons = append(reasons, "prior mark is dead; residual common-law exposure only")
	}
	return risk, joinReasons(reasons)
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
