package transfers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/db"
)

// ListFilter narrows transfer listings.
type ListFilter struct {
	Status     Status
	CreatedBy  int64
	ApproverID int64
	Decided    bool
	Limit      int
	Offset     int
}

// Repository defines the persistence port for transfers.
// Reads return snapshots the caller owns.
type Repository interface {
	// Read operations
	Get(ctx context.Context, id int64) (Transfer, error)
	List(ctx context.Context, filter ListFilter) ([]Transfer, int, error)
	NumberExists(ctx context.Context, number string) (bool, error)
	ListStuck(ctx context.Context, approvedBefore time.Time) ([]Transfer, error)

	// Write operations (transactional)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional write operations.
// Status-changing writes are guarded by the source status of the transition.
type TxRepository interface {
	Load(ctx context.Context, id int64) (Transfer, error)
	Insert(ctx context.Context, t Transfer) (int64, error)
	ApplyTransition(ctx context.Context, tr Transition) error
	LockDraft(ctx context.Context, transferID int64) error
	InsertLine(ctx context.Context, line Line) (int64, error)
	DeleteLine(ctx context.Context, transferID, lineID int64) error
	InsertSerial(ctx context.Context, serial Serial) (int64, error)
	DeleteSerial(ctx context.Context, lineID, serialID int64) error
	UpdateSerialValidation(ctx context.Context, serial Serial) error
}

type repository struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

type txRepository struct {
	tx   pgx.Tx
	pool *pgxpool.Pool
}

// WithTx wraps callback in repeatable-read transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, pool: r.pool})
	})
}

const headerColumns = `id, transfer_number, status, from_warehouse, to_warehouse, priority, notes, created_by,
qc_approver_id, qc_decided_at, qc_notes, erp_document_number, erp_doc_entry, created_at, updated_at`

func scanHeader(row pgx.Row) (Transfer, error) {
	var t Transfer
	err := row.Scan(&t.ID, &t.Number, &t.Status, &t.FromWarehouse, &t.ToWarehouse, &t.Priority, &t.Notes, &t.CreatedBy,
		&t.QCApproverID, &t.QCDecidedAt, &t.QCNotes, &t.ERPDocumentNumber, &t.ERPDocEntry, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// Get loads the transfer with its lines and serials.
func (r *repository) Get(ctx context.Context, id int64) (Transfer, error) {
	return loadTransfer(ctx, r.pool, id, "")
}

func loadTransfer(ctx context.Context, q querier, id int64, lock string) (Transfer, error) {
	t, err := scanHeader(q.QueryRow(ctx, `SELECT `+headerColumns+` FROM serial_transfers WHERE id = $1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, fmt.Errorf("transfer %d: %w", id, ErrNotFound)
		}
		return Transfer{}, err
	}
	lines, err := loadLines(ctx, q, []int64{id})
	if err != nil {
		return Transfer{}, err
	}
	t.Lines = lines[id]
	if t.Lines == nil {
		t.Lines = []Line{}
	}
	return t, nil
}

func loadLines(ctx context.Context, q querier, transferIDs []int64) (map[int64][]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_id, item_code, item_name, quantity, unit_of_measure,
from_warehouse, to_warehouse, qc_status
FROM serial_transfer_lines WHERE transfer_id = ANY($1) ORDER BY id`, transferIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lineIDs []int64
	lines := make(map[int64]*Line)
	order := make([]int64, 0)
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.TransferID, &l.ItemCode, &l.ItemName, &l.Quantity, &l.UnitOfMeasure,
			&l.FromWarehouse, &l.ToWarehouse, &l.QCStatus); err != nil {
			return nil, err
		}
		l.Serials = []Serial{}
		lines[l.ID] = &l
		order = append(order, l.ID)
		lineIDs = append(lineIDs, l.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(lineIDs) > 0 {
		if err := loadSerials(ctx, q, lineIDs, lines); err != nil {
			return nil, err
		}
	}

	out := make(map[int64][]Line, len(transferIDs))
	for _, id := range order {
		l := lines[id]
		out[l.TransferID] = append(out[l.TransferID], *l)
	}
	return out, nil
}

func loadSerials(ctx context.Context, q querier, lineIDs []int64, lines map[int64]*Line) error {
	rows, err := q.Query(ctx, `SELECT id, line_id, serial_number, internal_serial_number, system_serial_number,
is_validated, validation_error, manufacturing_date, expiry_date, admission_date, created_at
FROM serial_transfer_serials WHERE line_id = ANY($1) ORDER BY id`, lineIDs)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var s Serial
		if err := rows.Scan(&s.ID, &s.LineID, &s.SerialNumber, &s.InternalSerialNumber, &s.SystemSerialNumber,
			&s.Validated, &s.ValidationError, &s.ManufacturingDate, &s.ExpiryDate, &s.AdmissionDate, &s.CreatedAt); err != nil {
			return err
		}
		if l, ok := lines[s.LineID]; ok {
			l.Serials = append(l.Serials, s)
		}
	}
	return rows.Err()
}

// List returns headers with their lines, newest first.
func (r *repository) List(ctx context.Context, filter ListFilter) ([]Transfer, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.CreatedBy != 0 {
		add("created_by = $%d", filter.CreatedBy)
	}
	if filter.ApproverID != 0 {
		add("qc_approver_id = $%d", filter.ApproverID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM serial_transfers`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderBy := " ORDER BY created_at DESC, id DESC"
	if filter.Decided {
		orderBy = " ORDER BY qc_decided_at DESC NULLS LAST, id DESC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + headerColumns + ` FROM serial_transfers` + where + orderBy +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		list []Transfer
		ids  []int64
	)
	for rows.Next() {
		t, err := scanHeader(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return []Transfer{}, total, nil
	}
	lines, err := loadLines(ctx, r.pool, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range list {
		list[i].Lines = lines[list[i].ID]
		if list[i].Lines == nil {
			list[i].Lines = []Line{}
		}
	}
	return list, total, nil
}

// NumberExists reports whether the transfer number is in use.
func (r *repository) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM serial_transfers WHERE transfer_number = $1)`, number).Scan(&exists)
	return exists, err
}

// ListStuck returns documents left in qc_approved since before the cutoff.
func (r *repository) ListStuck(ctx context.Context, approvedBefore time.Time) ([]Transfer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+headerColumns+` FROM serial_transfers
WHERE status = $1 AND qc_decided_at < $2 ORDER BY qc_decided_at`, string(StatusQCApproved), approvedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Transfer
	for rows.Next() {
		t, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
