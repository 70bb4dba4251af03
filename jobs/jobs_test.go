package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-wms/internal/auth"
	jobmetrics "github.com/odyssey-erp/odyssey-wms/internal/jobs"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
	"github.com/odyssey-erp/odyssey-wms/internal/transfers"
)

type captureQueue struct {
	tasks []*asynq.Task
}

func (q *captureQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type captureMailer struct {
	sent []SendEmailPayload
	err  error
}

func (m *captureMailer) Send(ctx context.Context, msg SendEmailPayload) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type stubUsers map[int64]*auth.User

func (u stubUsers) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	user, ok := u[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return user, nil
}

func TestDecisionNotifierQueuesTask(t *testing.T) {
	queue := &captureQueue{}
	notifier := NewDecisionNotifier(queue)

	err := notifier.NotifyDecision(context.Background(), transfers.DecisionNotice{
		TransferID:        7,
		TransferNumber:    "ST-TEST-1",
		Status:            transfers.StatusPosted,
		CreatedBy:         1,
		DecidedBy:         3,
		ERPDocumentNumber: "SAP-9001",
	})
	require.NoError(t, err)
	require.Len(t, queue.tasks, 1)
	require.Equal(t, TaskTransferDecision, queue.tasks[0].Type())

	var payload TransferDecisionPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	require.Equal(t, "posted", payload.Status)
	require.Equal(t, "SAP-9001", payload.ERPDocumentNumber)

	var nilNotifier *DecisionNotifier
	require.NoError(t, nilNotifier.NotifyDecision(context.Background(), transfers.DecisionNotice{}))
}

func TestDecisionHandlerEmailsCreator(t *testing.T) {
	mailer := &captureMailer{}
	h := &DecisionHandler{
		Users:  stubUsers{1: {ID: 1, Email: "op@example.com"}},
		Mailer: mailer,
	}
	task, err := NewTransferDecisionTask(transfers.DecisionNotice{
		TransferNumber: "ST-TEST-1",
		Status:         transfers.StatusRejected,
		CreatedBy:      1,
		Notes:          "damaged packaging",
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), task))
	require.Len(t, mailer.sent, 1)
	require.Equal(t, "op@example.com", mailer.sent[0].To)
	require.Contains(t, mailer.sent[0].Subject, "rejected")
	require.Contains(t, mailer.sent[0].Body, "damaged packaging")
}

func TestDecisionHandlerUnknownCreator(t *testing.T) {
	h := &DecisionHandler{Users: stubUsers{}}
	task, err := NewTransferDecisionTask(transfers.DecisionNotice{CreatedBy: 42, Status: transfers.StatusPosted})
	require.NoError(t, err)
	require.ErrorIs(t, h.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestDecisionEmailPosted(t *testing.T) {
	msg := DecisionEmail(TransferDecisionPayload{TransferNumber: "ST-1", Status: "posted", ERPDocumentNumber: "SAP-1", Notes: "ok"}, "a@b.c")
	require.Equal(t, "Transfer ST-1 approved and posted", msg.Subject)
	require.Contains(t, msg.Body, "SAP-1")
	require.Contains(t, msg.Body, "QC notes: ok")
}

func TestEmailHandler(t *testing.T) {
	mailer := &captureMailer{}
	task, err := NewSendEmailTask(SendEmailPayload{To: "x@example.com", Subject: "hi", Body: "body"})
	require.NoError(t, err)

	require.NoError(t, (&EmailHandler{Mailer: mailer}).Handle(context.Background(), task))
	require.Len(t, mailer.sent, 1)

	mailer.err = errors.New("relay down")
	require.Error(t, (&EmailHandler{Mailer: mailer}).Handle(context.Background(), task))

	require.NoError(t, (&EmailHandler{}).Handle(context.Background(), task))
	require.ErrorIs(t, (&EmailHandler{}).Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("{"))), asynq.SkipRetry)
}

func TestNewSMTPMailer(t *testing.T) {
	require.Nil(t, NewSMTPMailer("", 25, "noreply@example.com"))
	m := NewSMTPMailer("mail.local", 1025, "noreply@example.com")
	require.Equal(t, "mail.local:1025", m.Addr)
}

type stubStuck struct {
	before time.Time
	list   []transfers.Transfer
	err    error
}

func (s *stubStuck) ListStuck(ctx context.Context, approvedBefore time.Time) ([]transfers.Transfer, error) {
	s.before = approvedBefore
	return s.list, s.err
}

func TestStuckScanReportsOnly(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	approved := now.Add(-time.Hour)
	repo := &stubStuck{list: []transfers.Transfer{{ID: 9, Number: "ST-9", Status: transfers.StatusQCApproved, QCDecidedAt: &approved}}}
	job := NewStuckScanJob(repo, 10*time.Minute, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = func() time.Time { return now }

	stuck, err := job.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, now.Add(-10*time.Minute), repo.before)

	task, err := NewStuckScanTask(30 * time.Minute)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, now.Add(-30*time.Minute), repo.before)

	repo.err = errors.New("db down")
	_, err = job.Run(context.Background(), 0)
	require.Error(t, err)
}

type stubCleaner struct {
	retention time.Duration
}

func (c *stubCleaner) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	c.retention = olderThan
	return 4, nil
}

func TestIdempotencyCleanup(t *testing.T) {
	cleaner := &stubCleaner{}
	job := &IdempotencyCleanupJob{Store: cleaner, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}
	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 24*time.Hour, cleaner.retention)

	require.Error(t, (&IdempotencyCleanupJob{}).Handle(context.Background(), NewIdempotencyCleanupTask()))
}
