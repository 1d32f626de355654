package markscreen

import "fmt"

// AdjudicationError reports a borderline pair whose LLM adjudication
// did not produce a valid verdict within the retry budget. The pair is
// marked unresolved; the batch continues.
type AdjudicationError struct {
	PairID   string
	Attempts int
	Err      error
}

func (e *AdjudicationError) Error() string {
	return fmt.Sprintf("adjudication of pair %s failed after %d attempts: %v", e.PairID, e.Attempts, e.Err)
}

func (e *AdjudicationError) Unwrap() error { return e.Err }
