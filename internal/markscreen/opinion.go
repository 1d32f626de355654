package markscreen

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joelkehle/markscreen/internal/record"
	"github.com/joelkehle/markscreen/internal/similarity"
)

// Disclaimer accompanies every opinion.
const Disclaimer = "This automated screening is a preliminary availability assessment, not legal advice. Clearance decisions should be confirmed by trademark counsel, including a full search of state, common law, and foreign sources."

const (
	SectionOneTitle   = "Section One: Registry Conflicts"
	SectionTwoTitle   = "Section Two: Crowded Field and Record Quality"
	SectionThreeTitle = "Section Three: Risk Assessment"
	SectionWebTitle   = "Web Common Law"
)

// AssembleOpinion arranges assessed determinations into the four fixed
// opinion sections. Section order and determination order within each
// section are deterministic: sections always appear in the same
// sequence, determinations in candidate input order.
func AssembleOpinion(req Request, dets []Determination, finding CrowdedFieldFinding, warnings []DataQualityWarning, meta RunMetadata) Opinion {
	var registry, commonLaw []Determination
	for _, d := range dets {
		if d.Candidate.Source == record.SourceCommonLaw {
			commonLaw = append(commonLaw, d)
		} else {
			registry = append(registry, d)
		}
	}

	overall := overallRisk(dets)
	rating := riskRating(req.Proposed, dets)

	sections := []Section{
		{
			Title:          SectionOneTitle,
			Narrative:      registryNarrative(registry),
			Determinations: registry,
		},
		{
			Title:     SectionTwoTitle,
			Narrative: fieldNarrative(finding, warnings),
		},
		{
			Title:     SectionThreeTitle,
			Narrative: riskNarrative(rating, dets),
		},
		{
			Title:          SectionWebTitle,
			Narrative:      commonLawNarrative(commonLaw),
			Determinations: commonLaw,
		},
	}

	f := finding
	return Opinion{
		ScreeningID:  req.ScreeningID,
		Proposed:     req.Proposed,
		OverallRisk:  overall,
		RiskRating:   rating,
		Sections:     sections,
		CrowdedField: &f,
		Warnings:     warnings,
		Metadata:     meta,
	}
}

// overallRisk is the worst pair-level risk in the batch.
func overallRisk(dets []Determination) Risk {
	overall := RiskNoConflict
	for _, d := range dets {
		switch {
		case d.Risk == RiskConflict:
			return RiskConflict
		case d.Risk == RiskLow || d.Unresolved:
			overall = RiskLow
		}
	}
	return overall
}

// riskRating converts the batch outcome into the attorney-facing
// rating scale. An identical prior mark always rates MEDIUM-HIGH or
// worse; a crowded-field reduction never drops the rating below
// MEDIUM-LOW.
func riskRating(proposed record.TrademarkRecord, dets []Determination) string {
	conflicts, lows, unresolved := 0, 0, 0
	identical := false
	np := similarity.Normalize(proposed.Name)
	for _, d := range dets {
		switch {
		case d.Unresolved:
			unresolved++
		case d.Risk == RiskConflict:
			conflicts++
		case d.Risk == RiskLow:
			lows++
		}
		if similarity.Normalize(d.Candidate.Name) == np {
			identical = true
		}
	}
	switch {
	case conflicts > 0 || identical:
		return "MEDIUM-HIGH"
	case unresolved > 0:
		return "MEDIUM"
	case lows > 0:
		return "MEDIUM-LOW"
	default:
		return "LOW"
	}
}

func registryNarrative(dets []Determination) string {
	if len(dets) == 0 {
		return "No registry records were screened against the proposed mark."
	}
	conflicts, lows := 0, 0
	for _, d := range dets {
		switch d.Risk {
		case RiskConflict:
			conflicts++
		case RiskLow:
			lows++
		}
	}
	return fmt.Sprintf("%d registry records screened: %d conflicts, %d low-risk, %d cleared.",
		len(dets), conflicts, lows, len(dets)-conflicts-lows)
}

func commonLawNarrative(dets []Determination) string {
	if len(dets) == 0 {
		return "No web common law uses were supplied for this screening."
	}
	return fmt.Sprintf("%d unregistered uses found in commerce were screened. Common law rights are territorially limited but can block registration or expansion.", len(dets))
}

func fieldNarrative(finding CrowdedFieldFinding, warnings []DataQualityWarning) string {
	var sb strings.Builder
	sb.WriteString(finding.Explanation)
	if len(warnings) > 0 {
		fmt.Fprintf(&sb, " %d record quality issues were noted; see warnings.", len(warnings))
	}
	return sb.String()
}

func riskNarrative(rating string, dets []Determination) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall availability risk: %s.", rating)
	var review []string
	for _, d := range dets {
		if d.NeedsManualReview() {
			review = append(review, d.Candidate.Name)
		}
	}
	if len(review) > 0 {
		fmt.Fprintf(&sb, " Manual attorney review recommended for: %s.", strings.Join(review, ", "))
	}
	return sb.String()
}

// BuildReport renders an opinion as markdown in a fixed layout, so two
// runs over the same records produce byte-identical reports apart from
// the timestamp line.
func BuildReport(op Opinion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Trademark Availability Opinion\n\n")
	fmt.Fprintf(&b, "- Screening ID: %s\n", op.ScreeningID)
	fmt.Fprintf(&b, "- Proposed mark: %s\n", sanitizeLine(op.Proposed.Name))
	fmt.Fprintf(&b, "- Classes: %s\n", formatClasses(op.Proposed.Classes))
	fmt.Fprintf(&b, "- Date: %s\n\n", op.Metadata.CompletedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "%s\n\n", Disclaimer)

	fmt.Fprintf(&b, "## Executive Summary\n\n")
	fmt.Fprintf(&b, "Overall availability risk: **%s** (`%s`).\n\n", op.RiskRating, op.OverallRisk)

	for _, sec := range op.Sections {
		fmt.Fprintf(&b, "## %s\n\n", sec.Title)
		if sec.Narrative != "" {
			fmt.Fprintf(&b, "%s\n\n", sanitizeLine(sec.Narrative))
		}
		for _, d := range sec.Determinations {
			appendDetermination(&b, d)
		}
	}

	if len(op.Warnings) > 0 {
		fmt.Fprintf(&b, "## Data Quality Warnings\n\n")
		for _, w := range op.Warnings {
			fmt.Fprintf(&b, "- %s\n", sanitizeLine(w.String()))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Appendix: Screening Metadata\n\n")
	fmt.Fprintf(&b, "```json\n%s\n```\n", prettyJSON(op.Metadata))
	return b.String()
}

func appendDetermination(b *strings.Builder, d Determination) {
	fmt.Fprintf(b, "### %s\n\n", sanitizeLine(d.Candidate.Name))
	if d.Unresolved {
		fmt.Fprintf(b, "- Outcome: **UNRESOLVED** (manual review required)\n")
		fmt.Fprintf(b, "- Failure: %s\n", sanitizeLine(d.FailureReason))
	} else {
		fmt.Fprintf(b, "- Outcome: **%s**\n", d.Risk)
		fmt.Fprintf(b, "- Similarity: semantic %.2f, phonetic %.2f, combined %.2f (`%s`)\n",
			d.Score.Semantic, d.Score.Phonetic, d.Combined, d.Classification)
		if d.Verdict != nil {
			likelihood := "NO_CONFLICT"
			if d.Verdict.Conflict {
				likelihood = "CONFLICT"
			}
			fmt.Fprintf(b, "- Adjudication: `%s` at %.2f confidence\n", likelihood, d.Verdict.Confidence)
		}
		if d.Overlap.ClassOverlap() {
			fmt.Fprintf(b, "- Shared classes: %s\n", formatClasses(d.Overlap.SharedClasses))
		}
	}
	if d.Candidate.Status != "" {
		fmt.Fprintf(b, "- Status: %s", d.Candidate.Status)
		if d.Candidate.Owner != "" {
			fmt.Fprintf(b, " (owner: %s)", sanitizeLine(d.Candidate.Owner))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "- Rationale: %s\n\n", sanitizeLine(d.Rationale))
}

func formatClasses(classes []int) string {
	if len(classes) == 0 {
		return "none"
	}
	parts := make([]string, len(classes))
	for i, c := range classes {
		parts[i] = fmt.Sprintf("%d", c)
	}
	return strings.Join(parts, ", ")
}

func sanitizeLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

func prettyJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
