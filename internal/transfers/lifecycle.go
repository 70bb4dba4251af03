package transfers

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-wms/internal/rbac"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventSubmit         EventKind = "submit"
	EventApprove        EventKind = "approve"
	EventConfirmPost    EventKind = "confirm_post"
	EventRevertApproval EventKind = "revert_approval"
	EventReject         EventKind = "reject"
	EventDelete         EventKind = "delete"

	// EventEdit guards line and serial changes; it never changes status.
	EventEdit EventKind = "edit"
)

// Event is a lifecycle event with its payload.
type Event struct {
	Kind        EventKind
	Notes       string
	ERPDocument string
	ERPDocEntry int64
}

// Submit sends a draft to QC.
func Submit() Event { return Event{Kind: EventSubmit} }

// Approve records a QC approval.
func Approve(notes string) Event { return Event{Kind: EventApprove, Notes: notes} }

// ConfirmPost records the ERP document created for an approved transfer.
func ConfirmPost(docNum string, docEntry int64) Event {
	return Event{Kind: EventConfirmPost, ERPDocument: docNum, ERPDocEntry: docEntry}
}

// RevertApproval undoes an approval whose ERP post failed.
func RevertApproval() Event { return Event{Kind: EventRevertApproval} }

// Reject records a QC rejection.
func Reject(notes string) Event { return Event{Kind: EventReject, Notes: notes} }

// Delete removes a draft.
func Delete() Event { return Event{Kind: EventDelete} }

// Effect is a side effect the caller must carry out for a transition.
type Effect string

const (
	EffectSetLineQC     Effect = "set_line_qc"
	EffectPostToERP     Effect = "post_to_erp"
	EffectDeleteCascade Effect = "delete_cascade"
	EffectNotify        Effect = "notify"
)

// Transition is the outcome of applying an event to a snapshot.
// From is the status the write must still find in storage.
type Transition struct {
	Event   Event
	From    Status
	Next    Transfer
	Effects []Effect
}

// Has reports whether the transition requests effect e.
func (t Transition) Has(e Effect) bool {
	for _, x := range t.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// Deleted reports whether the transition removes the document.
func (t Transition) Deleted() bool {
	return t.Has(EffectDeleteCascade)
}

var requiredStatus = map[EventKind]Status{
	EventSubmit:         StatusDraft,
	EventApprove:        StatusSubmitted,
	EventConfirmPost:    StatusQCApproved,
	EventRevertApproval: StatusQCApproved,
	EventReject:         StatusSubmitted,
	EventDelete:         StatusDraft,
	EventEdit:           StatusDraft,
}

// Apply computes the next snapshot for ev without touching current.
// Any failure leaves the caller's snapshot as it was.
func Apply(current Transfer, ev Event, actor rbac.Actor, now time.Time) (Transition, error) {
	required, ok := requiredStatus[ev.Kind]
	if !ok {
		return Transition{}, fmt.Errorf("%w: unknown event %q", ErrValidation, ev.Kind)
	}
	if current.Status != required {
		return Transition{}, &PreconditionFailedError{Event: ev.Kind, Required: required, Actual: current.Status}
	}

	next := current.Clone()
	next.UpdatedAt = now
	tr := Transition{Event: ev, From: current.Status, Next: next}

	switch ev.Kind {
	case EventSubmit:
		if !CanEditDraft(current, actor) {
			return Transition{}, fmt.Errorf("%w: only the creator may submit transfer %s", ErrForbidden, current.Number)
		}
		if len(current.Lines) == 0 {
			return Transition{}, fmt.Errorf("%w: transfer %s has no lines", ErrValidation, current.Number)
		}
		if issues := current.SubmissionIssues(); len(issues) > 0 {
			return Transition{}, &SerialValidationError{Issues: issues}
		}
		tr.Next.Status = StatusSubmitted

	case EventApprove:
		if !actor.Caps.QCDecide {
			return Transition{}, fmt.Errorf("%w: QC approval requires the QC role", ErrForbidden)
		}
		recordDecision(&tr.Next, actor, now, ev.Notes)
		tr.Next.Status = StatusQCApproved
		setLineQC(&tr.Next, QCApproved)
		tr.Effects = []Effect{EffectSetLineQC, EffectPostToERP}

	case EventConfirmPost:
		doc := strings.TrimSpace(ev.ERPDocument)
		if doc == "" {
			return Transition{}, fmt.Errorf("%w: erp document number required", ErrValidation)
		}
		tr.Next.Status = StatusPosted
		tr.Next.ERPDocumentNumber = &doc
		if ev.ERPDocEntry != 0 {
			entry := ev.ERPDocEntry
			tr.Next.ERPDocEntry = &entry
		}
		tr.Effects = []Effect{EffectNotify}

	case EventRevertApproval:
		tr.Next.Status = StatusSubmitted
		tr.Next.QCApproverID = nil
		tr.Next.QCDecidedAt = nil
		tr.Next.QCNotes = ""
		setLineQC(&tr.Next, QCPending)
		tr.Effects = []Effect{EffectSetLineQC}

	case EventReject:
		if !actor.Caps.QCDecide {
			return Transition{}, fmt.Errorf("%w: QC rejection requires the QC role", ErrForbidden)
		}
		if strings.TrimSpace(ev.Notes) == "" {
			return Transition{}, fmt.Errorf("%w: rejection notes are required", ErrValidation)
		}
		recordDecision(&tr.Next, actor, now, ev.Notes)
		tr.Next.Status = StatusRejected
		setLineQC(&tr.Next, QCRejected)
		tr.Effects = []Effect{EffectSetLineQC, EffectNotify}

	case EventDelete:
		if !CanDeleteDraft(current, actor) {
			return Transition{}, fmt.Errorf("%w: only the creator or a manager may delete transfer %s", ErrForbidden, current.Number)
		}
		tr.Effects = []Effect{EffectDeleteCascade}

	case EventEdit:
		if !CanEditDraft(current, actor) {
			return Transition{}, fmt.Errorf("%w: only the creator may edit transfer %s", ErrForbidden, current.Number)
		}
	}
	return tr, nil
}

// CanEditDraft reports whether actor may change or submit the draft.
func CanEditDraft(t Transfer, actor rbac.Actor) bool {
	if actor.Caps.EditAnyDraft {
		return true
	}
	return actor.Caps.CreateTransfer && actor.UserID == t.CreatedBy
}

// CanDeleteDraft reports whether actor may delete the draft.
func CanDeleteDraft(t Transfer, actor rbac.Actor) bool {
	if actor.Caps.DeleteAnyDraft {
		return true
	}
	return actor.Caps.CreateTransfer && actor.UserID == t.CreatedBy
}

func recordDecision(t *Transfer, actor rbac.Actor, now time.Time, notes string) {
	approver := actor.UserID
	decided := now
	t.QCApproverID = &approver
	t.QCDecidedAt = &decided
	t.QCNotes = strings.TrimSpace(notes)
}

func setLineQC(t *Transfer, status QCStatus) {
	for i := range t.Lines {
		t.Lines[i].QCStatus = status
	}
}
