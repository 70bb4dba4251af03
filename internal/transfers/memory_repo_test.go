package transfers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryRepo is a serializing in-memory Repository. Each transaction works on a
// copy of the data and only publishes it when fn succeeds.
type memoryRepo struct {
	mu        sync.Mutex
	transfers map[int64]Transfer
	nextID    int64

	// failApply, when set, runs before every ApplyTransition.
	failApply func(tr Transition) error
	applied   []EventKind
}

type memoryTx struct {
	repo *memoryRepo
	data map[int64]Transfer
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{transfers: make(map[int64]Transfer)}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := make(map[int64]Transfer, len(r.transfers))
	for id, t := range r.transfers {
		data[id] = t.Clone()
	}
	if err := fn(ctx, &memoryTx{repo: r, data: data}); err != nil {
		return err
	}
	r.transfers = data
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, fmt.Errorf("transfer %d: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (r *memoryRepo) List(ctx context.Context, filter ListFilter) ([]Transfer, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transfer
	for _, t := range r.transfers {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != 0 && t.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.ApproverID != 0 && (t.QCApproverID == nil || *t.QCApproverID != filter.ApproverID) {
			continue
		}
		if filter.Decided && t.QCDecidedAt == nil {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.Decided {
			return out[i].QCDecidedAt.After(*out[j].QCDecidedAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	total := len(out)
	if filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else {
		out = nil
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	if out == nil {
		out = []Transfer{}
	}
	return out, total, nil
}

func (r *memoryRepo) NumberExists(ctx context.Context, number string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) ListStuck(ctx context.Context, approvedBefore time.Time) ([]Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transfer
	for _, t := range r.transfers {
		if t.Status == StatusQCApproved && t.QCDecidedAt != nil && t.QCDecidedAt.Before(approvedBefore) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// put stores t directly, bypassing transactions.
func (r *memoryRepo) put(t Transfer) Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == 0 {
		t.ID = r.id()
	}
	for i := range t.Lines {
		if t.Lines[i].ID == 0 {
			t.Lines[i].ID = r.id()
		}
		t.Lines[i].TransferID = t.ID
		for j := range t.Lines[i].Serials {
			if t.Lines[i].Serials[j].ID == 0 {
				t.Lines[i].Serials[j].ID = r.id()
			}
			t.Lines[i].Serials[j].LineID = t.Lines[i].ID
		}
	}
	r.transfers[t.ID] = t.Clone()
	return t
}

func (r *memoryRepo) status(id int64) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers[id].Status
}

func (tx *memoryTx) Load(ctx context.Context, id int64) (Transfer, error) {
	t, ok := tx.data[id]
	if !ok {
		return Transfer{}, fmt.Errorf("transfer %d: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (tx *memoryTx) Insert(ctx context.Context, t Transfer) (int64, error) {
	for _, existing := range tx.data {
		if existing.Number == t.Number {
			return 0, errNumberTaken
		}
	}
	t.ID = tx.repo.id()
	tx.data[t.ID] = t.Clone()
	return t.ID, nil
}

func (tx *memoryTx) ApplyTransition(ctx context.Context, tr Transition) error {
	if tx.repo.failApply != nil {
		if err := tx.repo.failApply(tr); err != nil {
			return err
		}
	}
	cur, ok := tx.data[tr.Next.ID]
	if !ok {
		return fmt.Errorf("transfer %d: %w", tr.Next.ID, ErrNotFound)
	}
	if cur.Status != tr.From {
		return &PreconditionFailedError{Event: tr.Event.Kind, Required: tr.From, Actual: cur.Status}
	}
	tx.repo.applied = append(tx.repo.applied, tr.Event.Kind)
	if tr.Deleted() {
		delete(tx.data, cur.ID)
		return nil
	}
	next := tr.Next
	cur.Status = next.Status
	cur.QCApproverID = clonePtr(next.QCApproverID)
	cur.QCDecidedAt = clonePtr(next.QCDecidedAt)
	cur.QCNotes = next.QCNotes
	cur.ERPDocumentNumber = clonePtr(next.ERPDocumentNumber)
	cur.ERPDocEntry = clonePtr(next.ERPDocEntry)
	cur.UpdatedAt = next.UpdatedAt
	if tr.Has(EffectSetLineQC) && len(next.Lines) > 0 {
		for i := range cur.Lines {
			cur.Lines[i].QCStatus = next.Lines[0].QCStatus
		}
	}
	tx.data[cur.ID] = cur
	return nil
}

func (tx *memoryTx) LockDraft(ctx context.Context, transferID int64) error {
	t, ok := tx.data[transferID]
	if !ok {
		return fmt.Errorf("transfer %d: %w", transferID, ErrNotFound)
	}
	if t.Status != StatusDraft {
		return &PreconditionFailedError{Event: EventEdit, Required: StatusDraft, Actual: t.Status}
	}
	return nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, line Line) (int64, error) {
	t, ok := tx.data[line.TransferID]
	if !ok {
		return 0, fmt.Errorf("transfer %d: %w", line.TransferID, ErrNotFound)
	}
	line.ID = tx.repo.id()
	t.Lines = append(t.Lines, line.Clone())
	tx.data[t.ID] = t
	return line.ID, nil
}

func (tx *memoryTx) DeleteLine(ctx context.Context, transferID, lineID int64) error {
	t, ok := tx.data[transferID]
	if !ok {
		return fmt.Errorf("transfer %d: %w", transferID, ErrNotFound)
	}
	for i, l := range t.Lines {
		if l.ID == lineID {
			t.Lines = append(t.Lines[:i:i], t.Lines[i+1:]...)
			tx.data[t.ID] = t
			return nil
		}
	}
	return fmt.Errorf("line %d: %w", lineID, ErrNotFound)
}

func (tx *memoryTx) InsertSerial(ctx context.Context, s Serial) (int64, error) {
	line := tx.line(s.LineID)
	if line == nil {
		return 0, fmt.Errorf("line %d: %w", s.LineID, ErrNotFound)
	}
	s.ID = tx.repo.id()
	line.Serials = append(line.Serials, s.Clone())
	return s.ID, nil
}

func (tx *memoryTx) DeleteSerial(ctx context.Context, lineID, serialID int64) error {
	line := tx.line(lineID)
	if line == nil {
		return fmt.Errorf("line %d: %w", lineID, ErrNotFound)
	}
	for i, s := range line.Serials {
		if s.ID == serialID {
			line.Serials = append(line.Serials[:i:i], line.Serials[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("serial %d: %w", serialID, ErrNotFound)
}

func (tx *memoryTx) UpdateSerialValidation(ctx context.Context, s Serial) error {
	for id, t := range tx.data {
		for i := range t.Lines {
			for j := range t.Lines[i].Serials {
				if t.Lines[i].Serials[j].ID == s.ID {
					s.LineID = t.Lines[i].ID
					t.Lines[i].Serials[j] = s.Clone()
					tx.data[id] = t
					return nil
				}
			}
		}
	}
	return fmt.Errorf("serial %d: %w", s.ID, ErrNotFound)
}

// line returns a pointer into the transaction copy.
func (tx *memoryTx) line(lineID int64) *Line {
	for _, t := range tx.data {
		for i := range t.Lines {
			if t.Lines[i].ID == lineID {
				return &t.Lines[i]
			}
		}
	}
	return nil
}
