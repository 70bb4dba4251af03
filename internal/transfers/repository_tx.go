package transfers

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/db"
)

// Load reads the transfer inside the transaction, holding the header row lock.
func (r *txRepository) Load(ctx context.Context, id int64) (Transfer, error) {
	t, err := loadTransfer(ctx, r.tx, id, " FOR UPDATE")
	if err != nil && db.IsSerializationFailure(err) {
		return Transfer{}, fmt.Errorf("transfer %d changed concurrently: %w", id, ErrPreconditionFailed)
	}
	return t, err
}

// Insert creates the header row.
func (r *txRepository) Insert(ctx context.Context, t Transfer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO serial_transfers
(transfer_number, status, from_warehouse, to_warehouse, priority, notes, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING id`,
		t.Number, string(t.Status), t.FromWarehouse, t.ToWarehouse, string(t.Priority), t.Notes, t.CreatedBy, t.CreatedAt,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, errNumberTaken
		}
		return 0, fmt.Errorf("insert transfer: %w", err)
	}
	return id, nil
}

// ApplyTransition persists tr with a write guarded by tr.From.
// A lost guard returns *PreconditionFailedError carrying the status found.
func (r *txRepository) ApplyTransition(ctx context.Context, tr Transition) error {
	t := tr.Next
	if tr.Deleted() {
		tag, err := r.tx.Exec(ctx, `DELETE FROM serial_transfers WHERE id = $1 AND status = $2`, t.ID, string(tr.From))
		if err != nil {
			return r.guardError(ctx, tr, err)
		}
		if tag.RowsAffected() == 0 {
			return r.guardError(ctx, tr, nil)
		}
		return nil
	}

	tag, err := r.tx.Exec(ctx, `UPDATE serial_transfers
SET status = $3, qc_approver_id = $4, qc_decided_at = $5, qc_notes = $6,
    erp_document_number = $7, erp_doc_entry = $8, updated_at = $9
WHERE id = $1 AND status = $2`,
		t.ID, string(tr.From), string(t.Status), t.QCApproverID, t.QCDecidedAt, t.QCNotes,
		t.ERPDocumentNumber, t.ERPDocEntry, t.UpdatedAt)
	if err != nil {
		return r.guardError(ctx, tr, err)
	}
	if tag.RowsAffected() == 0 {
		return r.guardError(ctx, tr, nil)
	}

	if tr.Has(EffectSetLineQC) {
		qc := QCPending
		if len(t.Lines) > 0 {
			qc = t.Lines[0].QCStatus
		}
		if _, err := r.tx.Exec(ctx, `UPDATE serial_transfer_lines SET qc_status = $2, updated_at = $3 WHERE transfer_id = $1`,
			t.ID, string(qc), t.UpdatedAt); err != nil {
			return fmt.Errorf("update line qc: %w", err)
		}
	}
	return nil
}

// guardError explains a failed guarded write. A serialization failure means a concurrent
// writer won, so it is reported like a lost guard.
func (r *txRepository) guardError(ctx context.Context, tr Transition, cause error) error {
	if cause != nil && !db.IsSerializationFailure(cause) {
		return fmt.Errorf("apply %s: %w", tr.Event.Kind, cause)
	}
	var actual Status
	// The transaction may be aborted; read the committed status outside it.
	err := r.pool.QueryRow(context.WithoutCancel(ctx), `SELECT status FROM serial_transfers WHERE id = $1`, tr.Next.ID).Scan(&actual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("transfer %d: %w", tr.Next.ID, ErrNotFound)
		}
		return fmt.Errorf("apply %s: read status: %w", tr.Event.Kind, err)
	}
	return &PreconditionFailedError{Event: tr.Event.Kind, Required: tr.From, Actual: actual}
}

// LockDraft takes the header row lock and confirms the document is still a draft.
func (r *txRepository) LockDraft(ctx context.Context, transferID int64) error {
	var status Status
	err := r.tx.QueryRow(ctx, `SELECT status FROM serial_transfers WHERE id = $1 FOR UPDATE`, transferID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("transfer %d: %w", transferID, ErrNotFound)
		}
		if db.IsSerializationFailure(err) {
			return r.guardError(ctx, Transition{Event: Event{Kind: EventEdit}, From: StatusDraft, Next: Transfer{ID: transferID}}, nil)
		}
		return fmt.Errorf("lock draft: %w", err)
	}
	if status != StatusDraft {
		return &PreconditionFailedError{Event: EventEdit, Required: StatusDraft, Actual: status}
	}
	_, err = r.tx.Exec(ctx, `UPDATE serial_transfers SET updated_at = NOW() WHERE id = $1`, transferID)
	return err
}

// InsertLine adds a line.
func (r *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO serial_transfer_lines
(transfer_id, item_code, item_name, quantity, unit_of_measure, from_warehouse, to_warehouse, qc_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		line.TransferID, line.ItemCode, line.ItemName, line.Quantity, line.UnitOfMeasure,
		line.FromWarehouse, line.ToWarehouse, string(line.QCStatus),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert line: %w", err)
	}
	return id, nil
}

// DeleteLine removes a line and, by cascade, its serials.
func (r *txRepository) DeleteLine(ctx context.Context, transferID, lineID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM serial_transfer_lines WHERE id = $1 AND transfer_id = $2`, lineID, transferID)
	if err != nil {
		return fmt.Errorf("delete line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("line %d: %w", lineID, ErrNotFound)
	}
	return nil
}

// InsertSerial adds a serial entry. Duplicate serial numbers are accepted.
func (r *txRepository) InsertSerial(ctx context.Context, s Serial) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO serial_transfer_serials (line_id, serial_number, is_validated, created_at)
VALUES ($1, $2, FALSE, $3) RETURNING id`, s.LineID, s.SerialNumber, s.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert serial: %w", err)
	}
	return id, nil
}

// DeleteSerial removes one serial entry.
func (r *txRepository) DeleteSerial(ctx context.Context, lineID, serialID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM serial_transfer_serials WHERE id = $1 AND line_id = $2`, serialID, lineID)
	if err != nil {
		return fmt.Errorf("delete serial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("serial %d: %w", serialID, ErrNotFound)
	}
	return nil
}

// UpdateSerialValidation stores a validation verdict.
func (r *txRepository) UpdateSerialValidation(ctx context.Context, s Serial) error {
	tag, err := r.tx.Exec(ctx, `UPDATE serial_transfer_serials
SET is_validated = $2, validation_error = $3, internal_serial_number = $4, system_serial_number = $5,
    manufacturing_date = $6, expiry_date = $7, admission_date = $8
WHERE id = $1`,
		s.ID, s.Validated, s.ValidationError, s.InternalSerialNumber, s.SystemSerialNumber,
		s.ManufacturingDate, s.ExpiryDate, s.AdmissionDate)
	if err != nil {
		return fmt.Errorf("update serial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("serial %d: %w", s.ID, ErrNotFound)
	}
	return nil
}
