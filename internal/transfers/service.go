package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-wms/internal/erp"
	"github.com/odyssey-erp/odyssey-wms/internal/rbac"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

const (
	numberLayout      = "20060102-150405"
	maxNumberAttempts = 5
	idempotencyModule = "transfers.create"
	recentDecisions   = 10
	queueLimit        = 100
)

// SerialLookup resolves serial metadata in the ERP.
type SerialLookup interface {
	GetSerialDetails(ctx context.Context, itemCode, serial string) (erp.SerialDetail, error)
}

// ItemLookup resolves item master data in the ERP.
type ItemLookup interface {
	GetItemDetails(ctx context.Context, code string) (erp.Item, error)
}

// Service provides business logic for serial transfers.
type Service struct {
	repo        Repository
	coordinator *Coordinator
	serials     SerialLookup
	items       ItemLookup
	approvals   shared.ApprovalHistory
	audit       shared.Auditor
	idempotency shared.Idempotency
	metrics     Metrics
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time

	lookupConcurrency int
	itemLookupTimeout time.Duration
}

// NewService creates a new service.
func NewService(repo Repository, coordinator *Coordinator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:              repo,
		coordinator:       coordinator,
		metrics:           noopMetrics{},
		validate:          validator.New(),
		logger:            logger,
		now:               time.Now,
		lookupConcurrency: 4,
		itemLookupTimeout: 5 * time.Second,
	}
}

// SetERP sets the ERP lookups used for validation and line enrichment.
func (s *Service) SetERP(serials SerialLookup, items ItemLookup) {
	s.serials = serials
	s.items = items
}

// SetRecorders attaches approval history and audit log writers.
func (s *Service) SetRecorders(approvals shared.ApprovalHistory, audit shared.Auditor) {
	s.approvals = approvals
	s.audit = audit
}

// SetIdempotency sets the store guarding replayed creates.
func (s *Service) SetIdempotency(store shared.Idempotency) {
	s.idempotency = store
}

// SetMetrics attaches a metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// Create opens a new draft. A taken transfer number is replaced by a generated one.
func (s *Service) Create(ctx context.Context, actor rbac.Actor, req CreateRequest, idempotencyKey string) (Transfer, error) {
	if !actor.Caps.CreateTransfer {
		return Transfer{}, fmt.Errorf("%w: creating transfers requires the user role", ErrForbidden)
	}
	req.TransferNumber = strings.TrimSpace(req.TransferNumber)
	req.FromWarehouse = strings.TrimSpace(req.FromWarehouse)
	req.ToWarehouse = strings.TrimSpace(req.ToWarehouse)
	if err := s.validate.Struct(req); err != nil {
		return Transfer{}, validationError(err)
	}
	if req.FromWarehouse == req.ToWarehouse {
		return Transfer{}, fmt.Errorf("%w: source and destination warehouse must differ", ErrValidation)
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return Transfer{}, err
	}

	if idempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Transfer{}, fmt.Errorf("%w: idempotency key %q already used", ErrDuplicateRequest, idempotencyKey)
			}
			return Transfer{}, fmt.Errorf("idempotency check: %w", err)
		}
	}

	now := s.now()
	t := Transfer{
		Status:        StatusDraft,
		FromWarehouse: req.FromWarehouse,
		ToWarehouse:   req.ToWarehouse,
		Priority:      priority,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedBy:     actor.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Lines:         []Line{},
	}
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		t.Number, err = s.nextNumber(ctx, req.TransferNumber, attempt)
		if err != nil {
			break
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.Insert(ctx, t)
			if err != nil {
				return err
			}
			t.ID = id
			return nil
		})
		if !errors.Is(err, errNumberTaken) {
			break
		}
	}
	if err != nil {
		if idempotencyKey != "" && s.idempotency != nil {
			if delErr := s.idempotency.Delete(ctx, idempotencyKey); delErr != nil {
				s.logger.Error("release idempotency key", slog.Any("error", delErr))
			}
		}
		if errors.Is(err, errNumberTaken) {
			return Transfer{}, fmt.Errorf("allocate transfer number: %w", err)
		}
		return Transfer{}, err
	}
	if t.Number != req.TransferNumber {
		s.logger.Info("transfer number taken, generated a new one",
			slog.String("requested", req.TransferNumber), slog.String("assigned", t.Number))
	}
	s.recordAudit(ctx, actor, t, "transfer.create", nil)
	return t, nil
}

// nextNumber picks the candidate transfer number for an insert attempt.
func (s *Service) nextNumber(ctx context.Context, requested string, attempt int) (string, error) {
	base := "ST-" + s.now().Format(numberLayout)
	if attempt == 0 {
		for _, c := range []string{requested, base} {
			exists, err := s.repo.NumberExists(ctx, c)
			if err != nil {
				return "", fmt.Errorf("check transfer number: %w", err)
			}
			if !exists {
				return c, nil
			}
		}
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return base + "-" + suffix, nil
}

// Get returns one transfer visible to the actor.
func (s *Service) Get(ctx context.Context, actor rbac.Actor, id int64) (Transfer, error) {
	if !actor.Caps.ViewTransfers {
		return Transfer{}, ErrForbidden
	}
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if !canSeeAll(actor) && t.CreatedBy != actor.UserID {
		return Transfer{}, fmt.Errorf("transfer %d: %w", id, ErrNotFound)
	}
	return t, nil
}

// List returns a page of transfers. Plain users only see their own documents.
func (s *Service) List(ctx context.Context, actor rbac.Actor, req ListRequest) (ListResult, error) {
	if !actor.Caps.ViewTransfers {
		return ListResult{}, ErrForbidden
	}
	filter := ListFilter{}
	if req.Status != "" {
		status := Status(strings.ToLower(strings.TrimSpace(req.Status)))
		if !status.IsValid() {
			return ListResult{}, fmt.Errorf("%w: unknown status %q", ErrValidation, req.Status)
		}
		filter.Status = status
	}
	if !canSeeAll(actor) {
		filter.CreatedBy = actor.UserID
	}
	page, perPage := shared.NormalizePage(req.Page, req.PerPage)
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	list, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Transfers: list, Pagination: shared.NewPagination(page, perPage, total)}, nil
}

// QCQueue returns submitted transfers, newest first, and the actor's ten latest decisions.
func (s *Service) QCQueue(ctx context.Context, actor rbac.Actor) (QCQueue, error) {
	if !actor.Caps.QCDecide {
		return QCQueue{}, fmt.Errorf("%w: the QC queue requires the QC role", ErrForbidden)
	}
	g, gctx := errgroup.WithContext(ctx)
	var queue QCQueue
	g.Go(func() error {
		list, _, err := s.repo.List(gctx, ListFilter{Status: StatusSubmitted, Limit: queueLimit})
		queue.Pending = list
		return err
	})
	g.Go(func() error {
		list, _, err := s.repo.List(gctx, ListFilter{ApproverID: actor.UserID, Decided: true, Limit: recentDecisions})
		queue.RecentDecisions = list
		return err
	})
	if err := g.Wait(); err != nil {
		return QCQueue{}, err
	}
	return queue, nil
}

// AddLine appends a line to a draft. Item name and unit are filled from the ERP when it answers.
func (s *Service) AddLine(ctx context.Context, actor rbac.Actor, transferID int64, req AddLineRequest) (Line, error) {
	req.ItemCode = strings.TrimSpace(req.ItemCode)
	if err := s.validate.Struct(req); err != nil {
		return Line{}, validationError(err)
	}
	t, err := s.loadDraft(ctx, actor, transferID)
	if err != nil {
		return Line{}, err
	}
	line := Line{
		TransferID:    t.ID,
		ItemCode:      req.ItemCode,
		Quantity:      req.Quantity,
		UnitOfMeasure: strings.TrimSpace(req.UnitOfMeasure),
		FromWarehouse: firstNonEmpty(req.FromWarehouse, t.FromWarehouse),
		ToWarehouse:   firstNonEmpty(req.ToWarehouse, t.ToWarehouse),
		QCStatus:      QCPending,
		Serials:       []Serial{},
	}
	if line.FromWarehouse == line.ToWarehouse {
		return Line{}, fmt.Errorf("%w: line source and destination warehouse must differ", ErrValidation)
	}
	if name := strings.TrimSpace(req.ItemName); name != "" {
		line.ItemName = &name
	}
	s.enrichLine(ctx, &line)
	if line.UnitOfMeasure == "" {
		line.UnitOfMeasure = "EA"
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockDraft(ctx, t.ID); err != nil {
			return err
		}
		id, err := tx.InsertLine(ctx, line)
		if err != nil {
			return err
		}
		line.ID = id
		return nil
	})
	if err != nil {
		return Line{}, err
	}
	return line, nil
}

func (s *Service) enrichLine(ctx context.Context, line *Line) {
	if s.items == nil || (line.ItemName != nil && line.UnitOfMeasure != "") {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.itemLookupTimeout)
	defer cancel()
	item, err := s.items.GetItemDetails(ctx, line.ItemCode)
	if err != nil {
		s.logger.Debug("item lookup skipped", slog.String("item_code", line.ItemCode), slog.Any("error", err))
		return
	}
	if line.ItemName == nil && item.Name != "" {
		name := item.Name
		line.ItemName = &name
	}
	if line.UnitOfMeasure == "" {
		line.UnitOfMeasure = item.UnitOfMeasure
	}
}

// RemoveLine deletes a draft line and its serials.
func (s *Service) RemoveLine(ctx context.Context, actor rbac.Actor, transferID, lineID int64) error {
	t, err := s.loadDraft(ctx, actor, transferID)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockDraft(ctx, t.ID); err != nil {
			return err
		}
		return tx.DeleteLine(ctx, t.ID, lineID)
	})
}

// AddSerial records a serial entry on a draft line. Duplicate serial numbers are accepted.
func (s *Service) AddSerial(ctx context.Context, actor rbac.Actor, transferID, lineID int64, req AddSerialRequest) (Serial, error) {
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	if err := s.validate.Struct(req); err != nil {
		return Serial{}, validationError(err)
	}
	t, err := s.loadDraft(ctx, actor, transferID)
	if err != nil {
		return Serial{}, err
	}
	if _, ok := t.Line(lineID); !ok {
		return Serial{}, fmt.Errorf("line %d: %w", lineID, ErrNotFound)
	}
	serial := Serial{LineID: lineID, SerialNumber: req.SerialNumber, CreatedAt: s.now()}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockDraft(ctx, t.ID); err != nil {
			return err
		}
		id, err := tx.InsertSerial(ctx, serial)
		if err != nil {
			return err
		}
		serial.ID = id
		return nil
	})
	if err != nil {
		return Serial{}, err
	}
	return serial, nil
}

// RemoveSerial deletes a serial entry from a draft line.
func (s *Service) RemoveSerial(ctx context.Context, actor rbac.Actor, transferID, lineID, serialID int64) error {
	t, err := s.loadDraft(ctx, actor, transferID)
	if err != nil {
		return err
	}
	if _, ok := t.Line(lineID); !ok {
		return fmt.Errorf("line %d: %w", lineID, ErrNotFound)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockDraft(ctx, t.ID); err != nil {
			return err
		}
		return tx.DeleteSerial(ctx, lineID, serialID)
	})
}

// ValidateLine checks the line's serials against the ERP and stores the verdicts.
// When the ERP cannot be reached nothing is stored.
func (s *Service) ValidateLine(ctx context.Context, actor rbac.Actor, transferID, lineID int64) (ValidationResult, error) {
	t, err := s.loadDraft(ctx, actor, transferID)
	if err != nil {
		return ValidationResult{}, err
	}
	line, ok := t.Line(lineID)
	if !ok {
		return ValidationResult{}, fmt.Errorf("line %d: %w", lineID, ErrNotFound)
	}
	details, err := s.fetchSerialDetails(ctx, line)
	if err != nil {
		return ValidationResult{}, err
	}
	verdicts := ValidateSerials(line, details)
	changed := applyVerdicts(&line, verdicts)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockDraft(ctx, t.ID); err != nil {
			return err
		}
		for _, serial := range changed {
			if err := tx.UpdateSerialValidation(ctx, serial); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ValidationResult{}, err
	}
	return ValidationResult{Line: line, Verdicts: verdicts, Issues: line.Issues()}, nil
}

func (s *Service) fetchSerialDetails(ctx context.Context, line Line) (map[string]erp.SerialDetail, error) {
	details := make(map[string]erp.SerialDetail, len(line.Serials))
	if len(line.Serials) == 0 {
		return details, nil
	}
	if s.serials == nil {
		return nil, fmt.Errorf("%w: no ERP connection configured", ErrERPUnavailable)
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.lookupConcurrency)
	for _, sn := range distinctSerials(line) {
		g.Go(func() error {
			detail, err := s.serials.GetSerialDetails(gctx, line.ItemCode, sn)
			if errors.Is(err, erp.ErrSerialNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: lookup serial %s: %v", ErrERPUnavailable, sn, err)
			}
			mu.Lock()
			details[sn] = detail
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return details, nil
}

// Submit sends a fully validated draft to QC.
func (s *Service) Submit(ctx context.Context, actor rbac.Actor, id int64) (Transfer, error) {
	var tr Transition
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		snap, err := tx.Load(ctx, id)
		if err != nil {
			return err
		}
		tr, err = Apply(snap, Submit(), actor, s.now())
		if err != nil {
			return err
		}
		return tx.ApplyTransition(ctx, tr)
	})
	if err != nil {
		return Transfer{}, err
	}
	s.metrics.ObserveTransition(string(EventSubmit))
	if s.approvals != nil {
		if err := s.approvals.EnsureSubmit(ctx, approvalModule, tr.Next.Number, actor.UserID, tr.Next.Notes); err != nil {
			s.logger.Error("record submit approval", slog.Int64("transfer_id", id), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actor, tr.Next, "transfer.submit", nil)
	return tr.Next, nil
}

// Approve approves and posts a submitted transfer.
func (s *Service) Approve(ctx context.Context, actor rbac.Actor, id int64, req DecisionRequest) (Transfer, error) {
	if err := s.validate.Struct(req); err != nil {
		return Transfer{}, validationError(err)
	}
	return s.coordinator.Approve(ctx, actor, id, req.Notes)
}

// Reject rejects a submitted transfer.
func (s *Service) Reject(ctx context.Context, actor rbac.Actor, id int64, req DecisionRequest) (Transfer, error) {
	if err := s.validate.Struct(req); err != nil {
		return Transfer{}, validationError(err)
	}
	return s.coordinator.Reject(ctx, actor, id, req.Notes)
}

// Delete removes a draft with its lines and serials.
func (s *Service) Delete(ctx context.Context, actor rbac.Actor, id int64) error {
	snap, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	tr, err := Apply(snap, Delete(), actor, s.now())
	if err != nil {
		return err
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ApplyTransition(ctx, tr)
	}); err != nil {
		return err
	}
	s.metrics.ObserveTransition(string(EventDelete))
	s.recordAudit(ctx, actor, snap, "transfer.delete", nil)
	return nil
}

// History returns the approval trail of a transfer.
func (s *Service) History(ctx context.Context, actor rbac.Actor, id int64) ([]shared.ApprovalLog, error) {
	t, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	return s.approvals.List(ctx, approvalModule, t.Number)
}

func (s *Service) loadDraft(ctx context.Context, actor rbac.Actor, id int64) (Transfer, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if _, err := Apply(t, Event{Kind: EventEdit}, actor, s.now()); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func (s *Service) recordAudit(ctx context.Context, actor rbac.Actor, t Transfer, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["transfer_number"] = t.Number
	meta["status"] = string(t.Status)
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "serial_transfer",
		EntityID: strconv.FormatInt(t.ID, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Error("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func canSeeAll(actor rbac.Actor) bool {
	return actor.Caps.QCDecide || actor.Caps.EditAnyDraft
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, ", "))
}
