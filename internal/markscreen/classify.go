package markscreen

import "github.com/joelkehle/markscreen/internal/similarity"

// Classifier maps a combined similarity score onto one of three bands.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier builds a classifier. A zero config gets the default
// 0.75 / 0.85 bands.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if cfg == (ClassifierConfig{}) {
		cfg = DefaultClassifierConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg}, nil
}

// Classify places a score into its band. Boundary scores land in the
// escalation band: at exactly RejectBelow or EscalateUpper the pair
// goes to adjudication, never silently under or over the line.
func (c *Classifier) Classify(s similarity.Score) Classification {
	combined := Combined(s)
	switch {
	case combined < c.cfg.RejectBelow:
		return ClassificationRejected
	case combined <= c.cfg.EscalateUpper:
		return ClassificationEscalated
	default:
		return ClassificationAutoAccepted
	}
}
