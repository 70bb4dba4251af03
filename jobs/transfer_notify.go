package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-wms/internal/auth"
	"github.com/odyssey-erp/odyssey-wms/internal/transfers"
)

const (
	// TaskTransferDecision notifies a transfer's creator about the QC decision.
	TaskTransferDecision = "transfers:decision"
)

// TransferDecisionPayload is the queued form of transfers.DecisionNotice.
type TransferDecisionPayload struct {
	TransferID        int64  `json:"transfer_id"`
	TransferNumber    string `json:"transfer_number"`
	Status            string `json:"status"`
	CreatedBy         int64  `json:"created_by"`
	DecidedBy         int64  `json:"decided_by"`
	Notes             string `json:"notes,omitempty"`
	ERPDocumentNumber string `json:"erp_document_number,omitempty"`
}

// NewTransferDecisionTask constructs the notification task.
func NewTransferDecisionTask(notice transfers.DecisionNotice) (*asynq.Task, error) {
	body, err := json.Marshal(TransferDecisionPayload{
		TransferID:        notice.TransferID,
		TransferNumber:    notice.TransferNumber,
		Status:            string(notice.Status),
		CreatedBy:         notice.CreatedBy,
		DecidedBy:         notice.DecidedBy,
		Notes:             notice.Notes,
		ERPDocumentNumber: notice.ERPDocumentNumber,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransferDecision, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// Enqueuer is the subset of *asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// DecisionNotifier queues decision notifications. It satisfies transfers.Notifier.
type DecisionNotifier struct {
	queue Enqueuer
}

// NewDecisionNotifier wraps an asynq client.
func NewDecisionNotifier(queue Enqueuer) *DecisionNotifier {
	return &DecisionNotifier{queue: queue}
}

// NotifyDecision implements transfers.Notifier.
func (n *DecisionNotifier) NotifyDecision(ctx context.Context, notice transfers.DecisionNotice) error {
	if n == nil || n.queue == nil {
		return nil
	}
	task, err := NewTransferDecisionTask(notice)
	if err != nil {
		return err
	}
	_, err = n.queue.EnqueueContext(ctx, task)
	return err
}

// UserDirectory resolves the recipient of a notification.
type UserDirectory interface {
	FindByID(ctx context.Context, id int64) (*auth.User, error)
}

// DecisionHandler turns a decision task into an email to the transfer's creator.
type DecisionHandler struct {
	Users  UserDirectory
	Mailer Mailer
	Logger *slog.Logger
}

// Handle processes TaskTransferDecision tasks.
func (h *DecisionHandler) Handle(ctx context.Context, t *asynq.Task) error {
	if h.Users == nil {
		return errors.New("decision notification: user directory not configured")
	}
	var payload TransferDecisionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.Int64("transfer_id", payload.TransferID), slog.String("status", payload.Status))

	user, err := h.Users.FindByID(ctx, payload.CreatedBy)
	if err != nil {
		logger.Warn("decision notification: creator lookup failed", slog.Any("error", err))
		return fmt.Errorf("lookup user %d: %w", payload.CreatedBy, asynq.SkipRetry)
	}
	if strings.TrimSpace(user.Email) == "" {
		logger.Info("decision notification: creator has no email")
		return nil
	}
	msg := DecisionEmail(payload, user.Email)
	if h.Mailer == nil {
		logger.Info("decision notification", slog.String("to", msg.To), slog.String("subject", msg.Subject))
		return nil
	}
	if err := h.Mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send decision email: %w", err)
	}
	return nil
}

// DecisionEmail renders the notification message.
func DecisionEmail(p TransferDecisionPayload, to string) SendEmailPayload {
	var subject, body string
	switch transfers.Status(p.Status) {
	case transfers.StatusPosted:
		subject = fmt.Sprintf("Transfer %s approved and posted", p.TransferNumber)
		body = fmt.Sprintf("Serial transfer %s passed QC and was posted to SAP as document %s.\n", p.TransferNumber, p.ERPDocumentNumber)
	case transfers.StatusRejected:
		subject = fmt.Sprintf("Transfer %s rejected by QC", p.TransferNumber)
		body = fmt.Sprintf("Serial transfer %s was rejected by QC.\n\nReason: %s\n", p.TransferNumber, p.Notes)
	default:
		subject = fmt.Sprintf("Transfer %s is now %s", p.TransferNumber, p.Status)
		body = fmt.Sprintf("Serial transfer %s changed to %s.\n", p.TransferNumber, p.Status)
	}
	if p.Notes != "" && transfers.Status(p.Status) != transfers.StatusRejected {
		body += "\nQC notes: " + p.Notes + "\n"
	}
	return SendEmailPayload{To: to, Subject: subject, Body: body}
}
