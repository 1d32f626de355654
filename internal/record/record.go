// Package record defines the trademark record model shared by the
// screening pipeline, the store, and the HTTP API.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies where a record was collected from.
type Source string

const (
	SourceRegistry  Source = "REGISTRY"
	SourceCommonLaw Source = "COMMON_LAW"
)

// Status is the lifecycle state of a mark as reported by its source.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusPending    Status = "PENDING"
	StatusAbandoned  Status = "ABANDONED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
	StatusUnknown    Status = "UNKNOWN"
)

// ParseStatus maps free-form registry status text onto a Status. Registry
// feeds embed the lifecycle word inside longer phrases ("REGISTERED AND
// RENEWED", "Section 8 - cancelled"), so matching is substring based.
func ParseStatus(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case s == "":
		return StatusUnknown
	case strings.Contains(s, "CANCEL"):
		return StatusCancelled
	case strings.Contains(s, "ABANDON"):
		return StatusAbandoned
	case strings.Contains(s, "EXPIR"):
		return StatusExpired
	case strings.Contains(s, "PENDING") || strings.Contains(s, "PUBLISHED") || strings.Contains(s, "FILED"):
		return StatusPending
	case strings.Contains(s, "REGISTERED") || strings.Contains(s, "RENEWED"):
		return StatusRegistered
	default:
		return StatusUnknown
	}
}

// Dead reports whether the mark no longer carries live registry rights.
func (s Status) Dead() bool {
	return s == StatusAbandoned || s == StatusCancelled || s == StatusExpired
}

// TrademarkRecord is one mark under consideration, either the proposed
// mark or a potentially conflicting prior mark.
type TrademarkRecord struct {
	Name               string     `json:"name" db:"name"`
	Status             Status     `json:"status" db:"status"`
	SerialNumber       string     `json:"serial_number,omitempty" db:"serial_number"`
	RegistrationNumber string     `json:"registration_number,omitempty" db:"registration_number"`
	RegistrationDate   *time.Time `json:"registration_date,omitempty" db:"registration_date"`
	Classes            []int      `json:"classes"`
	Owner              string     `json:"owner,omitempty" db:"owner"`
	GoodsServices      string     `json:"goods_services,omitempty" db:"goods_services"`
	DesignPhrase       string     `json:"design_phrase,omitempty" db:"design_phrase"`
	Source             Source     `json:"source,omitempty" db:"source"`
}

// ID returns a stable identifier for the record: the serial number when
// the source supplied one, otherwise the mark name.
func (r TrademarkRecord) ID() string {
	if r.SerialNumber != "" {
		return r.SerialNumber
	}
	return r.Name
}

// IsWordMark reports whether the record is a plain word mark with no
// design element.
func (r TrademarkRecord) IsWordMark() bool {
	return strings.TrimSpace(r.DesignPhrase) == ""
}

// HasClass reports whether the record claims the given Nice class.
func (r TrademarkRecord) HasClass(class int) bool {
	for _, c := range r.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// ValidationError describes a record that cannot enter the pipeline. It
// lists every failing field so a caller can fix the payload in one pass.
type ValidationError struct {
	RecordID string
	Fields   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %q invalid: %s", e.RecordID, strings.Join(e.Fields, "; "))
}

// Validate enforces the structural minimum for a record: a non-empty
// name, and for registry records at least one Nice class in the 1..45
// range. Common law citations come from uses in commerce that carry no
// class designation, so only classes they do claim are range-checked.
// Softer contradictions (a registered mark missing its registration
// number, duplicate classes) are surfaced later as data quality
// warnings, not rejected here.
func Validate(r TrademarkRecord) error {
	var fields []string
	if strings.TrimSpace(r.Name) == "" {
		fields = append(fields, "name is required")
	}
	if len(r.Classes) == 0 && r.Source != SourceCommonLaw {
		fields = append(fields, "at least one class is required")
	}
	for _, c := range r.Classes {
		if c < 1 || c > 45 {
			fields = append(fields, fmt.Sprintf("class %d outside valid range 1-45", c))
		}
	}
	if r.Source != "" && r.Source != SourceRegistry && r.Source != SourceCommonLaw {
		fields = append(fields, fmt.Sprintf("unknown source %q", r.Source))
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{RecordID: r.ID(), Fields: fields}
}

// ValidateBatch validates every record and returns the first failure.
// A batch with any invalid record is rejected whole; partial screening
// of a malformed batch would produce an opinion that silently omits
// marks the caller asked about.
func ValidateBatch(records []TrademarkRecord) error {
	for i, r := range records {
		if err := Validate(r); err != nil {
			return fmt.Errorf("candidate %d: %w", i, err)
		}
	}
	return nil
}
