package transfers

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-wms/internal/erp"
)

// Verdict is the validation outcome of one serial entry.
type Verdict struct {
	SerialID     int64             `json:"serial_id"`
	SerialNumber string            `json:"serial_number"`
	Valid        bool              `json:"valid"`
	Error        string            `json:"error,omitempty"`
	Detail       *erp.SerialDetail `json:"-"`
}

// ValidateSerials checks every serial entry of line against ERP metadata keyed by serial number.
// Entries are judged in order; duplicates are judged independently and are not an error.
func ValidateSerials(line Line, details map[string]erp.SerialDetail) []Verdict {
	verdicts := make([]Verdict, 0, len(line.Serials))
	valid := 0
	for _, s := range line.Serials {
		v := Verdict{SerialID: s.ID, SerialNumber: s.SerialNumber}
		detail, found := details[s.SerialNumber]
		switch {
		case !found || detail.ItemCode != line.ItemCode:
			v.Error = fmt.Sprintf("serial %s not found in ERP for item %s", s.SerialNumber, line.ItemCode)
		case detail.Warehouse != line.FromWarehouse:
			v.Error = fmt.Sprintf("serial %s is not in warehouse %s", s.SerialNumber, line.FromWarehouse)
		case !detail.Available:
			v.Error = fmt.Sprintf("serial %s is already consumed", s.SerialNumber)
		case valid >= line.Quantity:
			v.Error = fmt.Sprintf("quantity mismatch: serial %s exceeds line quantity %d", s.SerialNumber, line.Quantity)
		default:
			d := detail
			valid++
			v.Valid = true
			v.Detail = &d
		}
		verdicts = append(verdicts, v)
	}
	return verdicts
}

// applyVerdicts writes verdicts onto the matching serials of line and returns the updated serials.
func applyVerdicts(line *Line, verdicts []Verdict) []Serial {
	byID := make(map[int64]Verdict, len(verdicts))
	for _, v := range verdicts {
		byID[v.SerialID] = v
	}
	changed := make([]Serial, 0, len(verdicts))
	for i := range line.Serials {
		v, ok := byID[line.Serials[i].ID]
		if !ok {
			continue
		}
		s := &line.Serials[i]
		s.Validated = v.Valid
		if v.Valid {
			s.ValidationError = nil
			s.InternalSerialNumber = v.Detail.InternalSerialNumber
			sys := v.Detail.SystemNumber
			s.SystemSerialNumber = &sys
			s.ManufacturingDate = dateOnly(v.Detail.ManufacturingDate)
			s.ExpiryDate = dateOnly(v.Detail.ExpiryDate)
			s.AdmissionDate = dateOnly(v.Detail.AdmissionDate)
		} else {
			msg := v.Error
			s.ValidationError = &msg
		}
		changed = append(changed, *s)
	}
	return changed
}

func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

// distinctSerials returns each serial string of the line once, in first-seen order.
func distinctSerials(line Line) []string {
	seen := make(map[string]struct{}, len(line.Serials))
	out := make([]string, 0, len(line.Serials))
	for _, s := range line.Serials {
		if _, ok := seen[s.SerialNumber]; ok {
			continue
		}
		seen[s.SerialNumber] = struct{}{}
		out = append(out, s.SerialNumber)
	}
	return out
}
