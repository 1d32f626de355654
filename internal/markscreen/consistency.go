package markscreen

import (
	"fmt"
	"strings"
	"time"

	"github.com/joelkehle/markscreen/internal/record"
)

// CheckRecord inspects one record for internal contradictions. The
// record already passed structural validation; these are softer signals
// that the source data may be stale or mis-keyed. Warnings never block
// a screening.
func CheckRecord(r record.TrademarkRecord) []DataQualityWarning {
	var out []DataQualityWarning
	warn := func(field, format string, args ...any) {
		out = append(out, DataQualityWarning{RecordID: r.ID(), Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch r.Status {
	case record.StatusRegistered:
		if strings.TrimSpace(r.RegistrationNumber) == "" {
			warn("registration_number", "status REGISTERED but no registration number")
		}
		if r.RegistrationDate == nil {
			warn("registration_date", "status REGISTERED but no registration date")
		}
	case record.StatusPending:
		if strings.TrimSpace(r.RegistrationNumber) != "" {
			warn("registration_number", "status PENDING but registration number %s present", r.RegistrationNumber)
		}
		if r.RegistrationDate != nil {
			warn("registration_date", "status PENDING but registration date present")
		}
	}

	if r.RegistrationDate != nil && r.RegistrationDate.After(time.Now()) {
		warn("registration_date", "registration date %s is in the future", r.RegistrationDate.Format("2006-01-02"))
	}

	seen := make(map[int]bool)
	for _, c := range r.Classes {
		if seen[c] {
			warn("classes", "class %d listed more than once", c)
		}
		seen[c] = true
	}

	if strings.TrimSpace(r.Owner) == "" && r.Source != record.SourceCommonLaw {
		warn("owner", "registry record has no owner of record")
	}
	if strings.TrimSpace(r.GoodsServices) == "" {
		warn("goods_services", "no goods/services identification; overlap analysis degraded for this record")
	}
	return out
}

// CheckBatch runs CheckRecord across a batch and also flags duplicate
// records, which would double-count a mark in the crowded field
// analysis.
func CheckBatch(records []record.TrademarkRecord) []DataQualityWarning {
	var out []DataQualityWarning
	seen := make(map[string]bool)
	for _, r := range records {
		out = append(out, CheckRecord(r)...)
		id := r.ID()
		if seen[id] {
			out = append(out, DataQualityWarning{RecordID: id, Field: "serial_number", Message: "duplicate record in batch"})
		}
		seen[id] = true
	}
	return out
}
