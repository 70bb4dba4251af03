package transfers

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-wms/internal/erp"
	"github.com/odyssey-erp/odyssey-wms/internal/rbac"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

var (
	creator  = rbac.NewActor(1, "operator", rbac.RoleUser)
	otherOp  = rbac.NewActor(2, "other", rbac.RoleUser)
	reviewer = rbac.NewActor(3, "qc", rbac.RoleQC)
	manager  = rbac.NewActor(4, "manager", rbac.RoleManager)
	admin    = rbac.NewActor(5, "admin", rbac.RoleAdmin)

	fixedNow = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validatedSerial(sn string) Serial {
	sys := int64(100)
	return Serial{SerialNumber: sn, InternalSerialNumber: sn, SystemSerialNumber: &sys, Validated: true, CreatedAt: fixedNow}
}

// submittedTransfer is ST-TEST-1: ITEM-A x2 from WH001 to WH002 with SN1 and SN2 validated.
func submittedTransfer() Transfer {
	return Transfer{
		Number:        "ST-TEST-1",
		Status:        StatusSubmitted,
		FromWarehouse: "WH001",
		ToWarehouse:   "WH002",
		Priority:      PriorityNormal,
		CreatedBy:     creator.UserID,
		CreatedAt:     fixedNow,
		UpdatedAt:     fixedNow,
		Lines: []Line{{
			ItemCode:      "ITEM-A",
			Quantity:      2,
			UnitOfMeasure: "EA",
			FromWarehouse: "WH001",
			ToWarehouse:   "WH002",
			QCStatus:      QCPending,
			Serials:       []Serial{validatedSerial("SN1"), validatedSerial("SN2")},
		}},
	}
}

func draftTransfer() Transfer {
	t := submittedTransfer()
	t.Status = StatusDraft
	return t
}

type stubPoster struct {
	mu     sync.Mutex
	calls  int
	posted []Transfer
	result PostResult
	err    error
}

func (p *stubPoster) Post(ctx context.Context, t Transfer) (PostResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.posted = append(p.posted, t.Clone())
	if p.err != nil {
		return PostResult{}, p.err
	}
	return p.result, nil
}

func (p *stubPoster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubLookup struct {
	mu      sync.Mutex
	serials map[string]erp.SerialDetail
	items   map[string]erp.Item
	err     error
	lookups int
}

func (l *stubLookup) GetSerialDetails(ctx context.Context, itemCode, serial string) (erp.SerialDetail, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups++
	if l.err != nil {
		return erp.SerialDetail{}, l.err
	}
	d, ok := l.serials[serial]
	if !ok || d.ItemCode != itemCode {
		return erp.SerialDetail{}, erp.ErrSerialNotFound
	}
	return d, nil
}

func (l *stubLookup) GetItemDetails(ctx context.Context, code string) (erp.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return erp.Item{}, l.err
	}
	item, ok := l.items[code]
	if !ok {
		return erp.Item{}, erp.ErrItemNotFound
	}
	return item, nil
}

func availableSerial(item, sn, whs string) erp.SerialDetail {
	return erp.SerialDetail{ItemCode: item, SerialNumber: sn, InternalSerialNumber: sn, SystemNumber: 7, Warehouse: whs, Available: true}
}

type recordingHistory struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (h *recordingHistory) Record(ctx context.Context, log shared.ApprovalLog) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, log)
	return nil
}

func (h *recordingHistory) List(ctx context.Context, module, ref string) ([]shared.ApprovalLog, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []shared.ApprovalLog
	for _, l := range h.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

func (h *recordingHistory) EnsureSubmit(ctx context.Context, module, ref string, actorID int64, note string) error {
	return h.Record(ctx, shared.ApprovalLog{Module: module, RefID: ref, ActorID: actorID, Action: shared.ApprovalSubmit, Note: note})
}

func (h *recordingHistory) actions() []shared.ApprovalAction {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]shared.ApprovalAction, 0, len(h.logs))
	for _, l := range h.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []DecisionNotice
}

func (n *recordingNotifier) NotifyDecision(ctx context.Context, notice DecisionNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func newTestCoordinator(repo Repository, poster Poster) *Coordinator {
	c := NewCoordinator(repo, poster, CoordinatorConfig{}, discardLogger())
	c.now = func() time.Time { return fixedNow }
	c.sleep = func(time.Duration) {}
	return c
}
