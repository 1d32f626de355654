package markscreen

import (
	"fmt"
	"strings"

	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/similarity"
)

// CrowdedFieldConfig tunes the prevalence analysis.
type CrowdedFieldConfig struct {
	// OwnerShareThreshold is the distinct-owner share above which the
	// field counts as crowded. Default 0.50.
	OwnerShareThreshold float64
	// MinMatchingMarks is the minimum number of third-party marks that
	// must carry the term before crowding can be found. Default 5.
	MinMatchingMarks int
}

func (c CrowdedFieldConfig) withDefaults() CrowdedFieldConfig {
	if c.OwnerShareThreshold <= 0 {
		c.OwnerShareThreshold = 0.50
	}
	if c.MinMatchingMarks <= 0 {
		c.MinMatchingMarks = 5
	}
	return c
}

// CrowdedFieldAnalyzer measures how prevalent the proposed mark's
// dominant element is across the candidate corpus. When many distinct
// owners coexist around the same term, each individual mark is entitled
// to a narrower scope of protection, which dampens pairwise conflicts.
type CrowdedFieldAnalyzer struct {
	cfg CrowdedFieldConfig
}

func NewCrowdedFieldAnalyzer(cfg CrowdedFieldConfig) *CrowdedFieldAnalyzer {
	return &CrowdedFieldAnalyzer{cfg: cfg.withDefaults()}
}

// Analyze scans the corpus for marks carrying the proposed mark's
// dominant element and counts how many distinct owners hold them.
func (a *CrowdedFieldAnalyzer) Analyze(proposed record.TrademarkRecord, corpus []record.TrademarkRecord) CrowdedFieldFinding {
	term := similarity.ProminentElement(similarity.Normalize(proposed.Name), similarity.ProminenceLast)
	finding := CrowdedFieldFinding{Term: term, TotalMarks: len(corpus)}
	if term == "" {
		finding.Explanation = "proposed mark has no analyzable dominant element"
		return finding
	}

	owners := make(map[string]bool)
	for _, c := range corpus {
		if !containsTerm(c.Name, term) {
			continue
		}
		finding.MatchingMarks++
		owner := strings.ToLower(strings.TrimSpace(c.Owner))
		if owner == "" {
			// Unattributed marks still widen the field; keyed by mark
			// identity so two anonymous records count separately.
			owner = "unattributed:" + c.ID()
		}
		owners[owner] = true
	}
	finding.DistinctOwners = len(owners)
	if finding.MatchingMarks > 0 {
		finding.OwnerShare = float64(finding.DistinctOwners) / float64(finding.MatchingMarks)
	}
	finding.Crowded = finding.MatchingMarks >= a.cfg.MinMatchingMarks && finding.OwnerShare > a.cfg.OwnerShareThreshold

	if finding.Crowded {
		finding.Explanation = fmt.Sprintf(
			"field is crowded: %d marks containing %q held by %d distinct owners (%.0f%% owner share); each mark commands a narrowed scope of protection",
			finding.MatchingMarks, term, finding.DistinctOwners, finding.OwnerShare*100)
	} else {
		finding.Explanation = fmt.Sprintf(
			"field is not crowded: %d marks containing %q held by %d distinct owners",
			finding.MatchingMarks, term, finding.DistinctOwners)
	}
	return finding
}

// Apply dampens a single determination when the field is crowded:
// Conflict drops to LowRisk with the finding appended to the rationale.
// Identical marks are never dampened; a crowded field narrows scope but
// does not license taking another owner's exact mark.
func (a *CrowdedFieldAnalyzer) Apply(finding CrowdedFieldFinding, proposed record.TrademarkRecord, d Determination) Determination {
	if !finding.Crowded || d.Risk != RiskConflict {
		return d
	}
	if similarity.Normalize(proposed.Name) == similarity.Normalize(d.Candidate.Name) {
		return d
	}
	if !containsTerm(d.Candidate.Name, finding.Term) {
		return d
	}
	d.Risk = RiskLow
	d.Rationale = d.Rationale + "; " + finding.Explanation
	return d
}

func containsTerm(name, term string) bool {
	for _, tok := range similarity.Tokens(name) {
		if tok == term {
			return true
		}
	}
	return false
}
