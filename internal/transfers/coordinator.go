package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-wms/internal/rbac"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

const approvalModule = "transfers"

// Metrics receives posting and transition telemetry. observability.TransferMetrics satisfies it.
type Metrics interface {
	ObserveTransition(event string)
	ObservePost(outcome string, elapsed time.Duration)
	ObserveFinalizeFailure(event string)
}

// Notifier is told about QC decisions once they are committed.
type Notifier interface {
	NotifyDecision(ctx context.Context, notice DecisionNotice) error
}

// DecisionNotice describes a committed QC outcome.
type DecisionNotice struct {
	TransferID        int64  `json:"transfer_id"`
	TransferNumber    string `json:"transfer_number"`
	Status            Status `json:"status"`
	CreatedBy         int64  `json:"created_by"`
	DecidedBy         int64  `json:"decided_by"`
	Notes             string `json:"notes,omitempty"`
	ERPDocumentNumber string `json:"erp_document_number,omitempty"`
}

// CoordinatorConfig tunes the posting protocol.
type CoordinatorConfig struct {
	ERPTimeout       time.Duration
	FinalizeAttempts int
	FinalizeBackoff  time.Duration
}

// Coordinator runs QC decisions. An approval is committed as qc_approved, posted to the ERP,
// then either confirmed as posted or reverted to submitted.
type Coordinator struct {
	repo      Repository
	poster    Poster
	cfg       CoordinatorConfig
	logger    *slog.Logger
	metrics   Metrics
	approvals shared.ApprovalHistory
	audit     shared.Auditor
	notifier  Notifier
	now       func() time.Time
	sleep     func(time.Duration)
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(repo Repository, poster Poster, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.ERPTimeout <= 0 {
		cfg.ERPTimeout = 30 * time.Second
	}
	if cfg.FinalizeAttempts <= 0 {
		cfg.FinalizeAttempts = 3
	}
	if cfg.FinalizeBackoff <= 0 {
		cfg.FinalizeBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		repo:    repo,
		poster:  poster,
		cfg:     cfg,
		logger:  logger,
		metrics: noopMetrics{},
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// SetMetrics attaches a metrics sink.
func (c *Coordinator) SetMetrics(m Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// SetRecorders attaches approval history and audit log writers.
func (c *Coordinator) SetRecorders(approvals shared.ApprovalHistory, audit shared.Auditor) {
	c.approvals = approvals
	c.audit = audit
}

// SetNotifier attaches the decision notifier.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// Approve approves a submitted transfer and posts it to the ERP.
// On ERP failure the approval is reverted and the ERP error is returned.
func (c *Coordinator) Approve(ctx context.Context, actor rbac.Actor, id int64, notes string) (Transfer, error) {
	snap, err := c.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	approve, err := Apply(snap, Approve(notes), actor, c.now())
	if err != nil {
		return Transfer{}, err
	}
	if err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ApplyTransition(ctx, approve)
	}); err != nil {
		return Transfer{}, err
	}
	c.metrics.ObserveTransition(string(EventApprove))

	// The post and its compensation must finish even if the client goes away.
	detached := context.WithoutCancel(ctx)
	postCtx, cancel := context.WithTimeout(detached, c.cfg.ERPTimeout)
	started := c.now()
	result, postErr := c.poster.Post(postCtx, approve.Next)
	cancel()
	c.metrics.ObservePost(postOutcome(postErr), c.now().Sub(started))

	log := c.logger.With(slog.Int64("transfer_id", id), slog.String("transfer_number", snap.Number))

	if postErr == nil {
		final, err := Apply(approve.Next, ConfirmPost(result.DocumentNumber, result.DocEntry), actor, c.now())
		if err != nil {
			postErr = fmt.Errorf("%w: %v", ErrERPUnavailable, err)
		} else {
			if err := c.finalize(detached, final); err != nil {
				log.Error("posted to ERP but could not record it",
					slog.String("erp_document_number", result.DocumentNumber),
					slog.Any("error", err))
				return Transfer{}, fmt.Errorf("%w: transfer %s was posted as ERP document %s but the local record is still %s: %v",
					ErrFinalizeFailed, snap.Number, result.DocumentNumber, StatusQCApproved, err)
			}
			log.Info("transfer posted", slog.String("erp_document_number", result.DocumentNumber))
			c.afterDecision(detached, actor, final, shared.ApprovalApprove, notes)
			return final.Next, nil
		}
	}

	revert, err := Apply(approve.Next, RevertApproval(), actor, c.now())
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
	}
	if err := c.finalize(detached, revert); err != nil {
		log.Error("ERP post failed and approval could not be reverted", slog.Any("post_error", postErr), slog.Any("error", err))
		return Transfer{}, fmt.Errorf("%w: transfer %s stays %s after ERP failure (%v): %v",
			ErrFinalizeFailed, snap.Number, StatusQCApproved, postErr, err)
	}
	log.Warn("ERP post failed, approval reverted", slog.Any("error", postErr))
	c.record(detached, actor, revert.Next, shared.ApprovalRevert, postErr.Error())
	return Transfer{}, postErr
}

// Reject rejects a submitted transfer. The ERP is never contacted.
func (c *Coordinator) Reject(ctx context.Context, actor rbac.Actor, id int64, notes string) (Transfer, error) {
	snap, err := c.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	reject, err := Apply(snap, Reject(notes), actor, c.now())
	if err != nil {
		return Transfer{}, err
	}
	if err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ApplyTransition(ctx, reject)
	}); err != nil {
		return Transfer{}, err
	}
	c.metrics.ObserveTransition(string(EventReject))
	c.afterDecision(context.WithoutCancel(ctx), actor, reject, shared.ApprovalReject, notes)
	return reject.Next, nil
}

// finalize commits the second transaction of an approval, retrying local storage failures.
// The ERP is never called again here.
func (c *Coordinator) finalize(ctx context.Context, tr Transition) error {
	var err error
	for attempt := 1; attempt <= c.cfg.FinalizeAttempts; attempt++ {
		err = c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.ApplyTransition(ctx, tr)
		})
		if err == nil {
			c.metrics.ObserveTransition(string(tr.Event.Kind))
			return nil
		}
		if errors.Is(err, ErrPreconditionFailed) || errors.Is(err, ErrNotFound) {
			break
		}
		c.logger.Warn("finalize retry",
			slog.Int64("transfer_id", tr.Next.ID),
			slog.String("event", string(tr.Event.Kind)),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt < c.cfg.FinalizeAttempts {
			c.sleep(c.cfg.FinalizeBackoff * time.Duration(attempt))
		}
	}
	c.metrics.ObserveFinalizeFailure(string(tr.Event.Kind))
	return err
}

func (c *Coordinator) afterDecision(ctx context.Context, actor rbac.Actor, tr Transition, action shared.ApprovalAction, notes string) {
	c.record(ctx, actor, tr.Next, action, notes)
	if tr.Next.Status == StatusPosted {
		c.record(ctx, actor, tr.Next, shared.ApprovalPost, derefString(tr.Next.ERPDocumentNumber))
	}
	if c.notifier == nil || !tr.Has(EffectNotify) {
		return
	}
	notice := DecisionNotice{
		TransferID:        tr.Next.ID,
		TransferNumber:    tr.Next.Number,
		Status:            tr.Next.Status,
		CreatedBy:         tr.Next.CreatedBy,
		DecidedBy:         actor.UserID,
		Notes:             tr.Next.QCNotes,
		ERPDocumentNumber: derefString(tr.Next.ERPDocumentNumber),
	}
	if err := c.notifier.NotifyDecision(ctx, notice); err != nil {
		c.logger.Error("enqueue decision notification", slog.Int64("transfer_id", tr.Next.ID), slog.Any("error", err))
	}
}

func (c *Coordinator) record(ctx context.Context, actor rbac.Actor, t Transfer, action shared.ApprovalAction, note string) {
	if c.approvals != nil {
		if err := c.approvals.Record(ctx, shared.ApprovalLog{
			Module:  approvalModule,
			RefID:   t.Number,
			ActorID: actor.UserID,
			Action:  action,
			Note:    note,
		}); err != nil {
			c.logger.Error("record approval history", slog.Int64("transfer_id", t.ID), slog.Any("error", err))
		}
	}
	if c.audit != nil {
		meta := map[string]any{"status": string(t.Status), "transfer_number": t.Number}
		if t.ERPDocumentNumber != nil {
			meta["erp_document_number"] = *t.ERPDocumentNumber
		}
		if err := c.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.UserID,
			Action:   "transfer." + strings.ToLower(string(action)),
			Entity:   "serial_transfer",
			EntityID: strconv.FormatInt(t.ID, 10),
			Meta:     meta,
		}); err != nil {
			c.logger.Error("record audit", slog.Int64("transfer_id", t.ID), slog.Any("error", err))
		}
	}
}

func postOutcome(err error) string {
	switch {
	case err == nil:
		return "posted"
	case errors.Is(err, ErrERPRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(string) {}

func (noopMetrics) ObservePost(string, time.Duration) {}

func (noopMetrics) ObserveFinalizeFailure(string) {}
