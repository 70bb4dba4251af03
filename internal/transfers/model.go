// Package transfers coordinates serial-number stock transfers through QC and ERP posting.
package transfers

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a transfer document.
type Status string

const (
	StatusDraft      Status = "draft"       // Editable by its creator
	StatusSubmitted  Status = "submitted"   // Waiting for QC
	StatusQCApproved Status = "qc_approved" // Approved, ERP post in flight
	StatusPosted     Status = "posted"      // Stock transfer exists in the ERP
	StatusRejected   Status = "rejected"    // Refused by QC
)

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusQCApproved, StatusPosted, StatusRejected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusPosted || s == StatusRejected
}

// CanEdit checks if lines and serials may change in this status.
func (s Status) CanEdit() bool {
	return s == StatusDraft
}

// decided reports whether a QC decision is recorded in this status.
func (s Status) decided() bool {
	return s == StatusQCApproved || s == StatusPosted || s == StatusRejected
}

// Priority is the urgency hint set by the creator.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority converts user input; empty means normal.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, raw)
	}
}

// QCStatus is the per-line QC verdict.
type QCStatus string

const (
	QCPending  QCStatus = "pending"
	QCApproved QCStatus = "approved"
	QCRejected QCStatus = "rejected"
)

// Transfer is the serial transfer document with its lines.
type Transfer struct {
	ID                int64      `json:"id"`
	Number            string     `json:"transfer_number"`
	Status            Status     `json:"status"`
	FromWarehouse     string     `json:"from_warehouse"`
	ToWarehouse       string     `json:"to_warehouse"`
	Priority          Priority   `json:"priority"`
	Notes             string     `json:"notes,omitempty"`
	CreatedBy         int64      `json:"created_by"`
	QCApproverID      *int64     `json:"qc_approver_id,omitempty"`
	QCDecidedAt       *time.Time `json:"qc_decided_at,omitempty"`
	QCNotes           string     `json:"qc_notes,omitempty"`
	ERPDocumentNumber *string    `json:"erp_document_number,omitempty"`
	ERPDocEntry       *int64     `json:"erp_doc_entry,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Lines             []Line     `json:"lines"`
}

// Line is one item moved by a transfer.
type Line struct {
	ID            int64    `json:"id"`
	TransferID    int64    `json:"transfer_id"`
	ItemCode      string   `json:"item_code"`
	ItemName      *string  `json:"item_name,omitempty"`
	Quantity      int      `json:"quantity"`
	UnitOfMeasure string   `json:"unit_of_measure"`
	FromWarehouse string   `json:"from_warehouse"`
	ToWarehouse   string   `json:"to_warehouse"`
	QCStatus      QCStatus `json:"qc_status"`
	Serials       []Serial `json:"serials"`
}

// Serial is one serial number entered for a line.
type Serial struct {
	ID                   int64      `json:"id"`
	LineID               int64      `json:"line_id"`
	SerialNumber         string     `json:"serial_number"`
	InternalSerialNumber string     `json:"internal_serial_number,omitempty"`
	SystemSerialNumber   *int64     `json:"system_serial_number,omitempty"`
	Validated            bool       `json:"is_validated"`
	ValidationError      *string    `json:"validation_error,omitempty"`
	ManufacturingDate    *time.Time `json:"manufacturing_date,omitempty"`
	ExpiryDate           *time.Time `json:"expiry_date,omitempty"`
	AdmissionDate        *time.Time `json:"admission_date,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Clone returns a deep copy of the transfer.
func (t Transfer) Clone() Transfer {
	out := t
	out.QCApproverID = clonePtr(t.QCApproverID)
	out.QCDecidedAt = clonePtr(t.QCDecidedAt)
	out.ERPDocumentNumber = clonePtr(t.ERPDocumentNumber)
	out.ERPDocEntry = clonePtr(t.ERPDocEntry)
	if t.Lines != nil {
		out.Lines = make([]Line, len(t.Lines))
		for i, l := range t.Lines {
			out.Lines[i] = l.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the line.
func (l Line) Clone() Line {
	out := l
	out.ItemName = clonePtr(l.ItemName)
	if l.Serials != nil {
		out.Serials = make([]Serial, len(l.Serials))
		for i, s := range l.Serials {
			out.Serials[i] = s.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the serial.
func (s Serial) Clone() Serial {
	out := s
	out.SystemSerialNumber = clonePtr(s.SystemSerialNumber)
	out.ValidationError = clonePtr(s.ValidationError)
	out.ManufacturingDate = clonePtr(s.ManufacturingDate)
	out.ExpiryDate = clonePtr(s.ExpiryDate)
	out.AdmissionDate = clonePtr(s.AdmissionDate)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Line returns the line with the given id.
func (t Transfer) Line(id int64) (Line, bool) {
	for _, l := range t.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

// CheckInvariants verifies the document-level invariants.
func (t Transfer) CheckInvariants() error {
	if !t.Status.IsValid() {
		return fmt.Errorf("transfer %s: unknown status %q", t.Number, t.Status)
	}
	if t.FromWarehouse == t.ToWarehouse {
		return fmt.Errorf("transfer %s: source and destination warehouse are both %s", t.Number, t.FromWarehouse)
	}
	posted := t.ERPDocumentNumber != nil && *t.ERPDocumentNumber != ""
	if posted != (t.Status == StatusPosted) {
		return fmt.Errorf("transfer %s: status %s with erp document %v", t.Number, t.Status, posted)
	}
	decided := t.QCApproverID != nil && t.QCDecidedAt != nil
	if decided != t.Status.decided() {
		return fmt.Errorf("transfer %s: status %s with qc decision recorded %v", t.Number, t.Status, decided)
	}
	for _, l := range t.Lines {
		if l.Quantity <= 0 {
			return fmt.Errorf("transfer %s: line %d has quantity %d", t.Number, l.ID, l.Quantity)
		}
	}
	return nil
}

// ValidatedCount returns the number of validated serial entries.
func (l Line) ValidatedCount() int {
	n := 0
	for _, s := range l.Serials {
		if s.Validated {
			n++
		}
	}
	return n
}

// Issue describes why a line blocks submission or why a serial failed validation.
type Issue struct {
	LineID   int64  `json:"line_id"`
	ItemCode string `json:"item_code"`
	Serial   string `json:"serial_number,omitempty"`
	Reason   string `json:"reason"`
}

func (i Issue) String() string {
	if i.Serial != "" {
		return fmt.Sprintf("line %d (%s) serial %s: %s", i.LineID, i.ItemCode, i.Serial, i.Reason)
	}
	return fmt.Sprintf("line %d (%s): %s", i.LineID, i.ItemCode, i.Reason)
}

// Issues lists what keeps the line from being submitted.
func (l Line) Issues() []Issue {
	if len(l.Serials) == 0 {
		return []Issue{{LineID: l.ID, ItemCode: l.ItemCode, Reason: "no serial numbers entered"}}
	}
	var issues []Issue
	for _, s := range l.Serials {
		if s.Validated {
			continue
		}
		reason := "not validated"
		if s.ValidationError != nil && *s.ValidationError != "" {
			reason = *s.ValidationError
		}
		issues = append(issues, Issue{LineID: l.ID, ItemCode: l.ItemCode, Serial: s.SerialNumber, Reason: reason})
	}
	if n := l.ValidatedCount(); n != l.Quantity {
		issues = append(issues, Issue{
			LineID:   l.ID,
			ItemCode: l.ItemCode,
			Reason:   fmt.Sprintf("quantity mismatch: %d validated serials for quantity %d", n, l.Quantity),
		})
	}
	return issues
}

// SubmissionIssues collects the issues of every line.
func (t Transfer) SubmissionIssues() []Issue {
	var issues []Issue
	for _, l := range t.Lines {
		issues = append(issues, l.Issues()...)
	}
	return issues
}
