package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-wms/internal/jobs"
	"github.com/odyssey-erp/odyssey-wms/internal/transfers"
)

const (
	// TaskTransferStuckScan reports transfers left in qc_approved.
	TaskTransferStuckScan = "transfers:stuck_scan"
)

// StuckScanPayload overrides the configured threshold when set.
type StuckScanPayload struct {
	OlderThan time.Duration `json:"older_than,omitempty"`
}

// NewStuckScanTask constructs the scan task.
func NewStuckScanTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(StuckScanPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransferStuckScan, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// StuckLister finds approvals that never reached a final state.
type StuckLister interface {
	ListStuck(ctx context.Context, approvedBefore time.Time) ([]transfers.Transfer, error)
}

// StuckScanJob logs every transfer stuck in qc_approved. It never changes data;
// resolving a stuck transfer needs a look at the ERP first.
type StuckScanJob struct {
	Repo      StuckLister
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	OlderThan time.Duration
	clock     func() time.Time
}

// NewStuckScanJob initialises the scan handler.
func NewStuckScanJob(repo StuckLister, olderThan time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *StuckScanJob {
	if olderThan <= 0 {
		olderThan = 10 * time.Minute
	}
	return &StuckScanJob{
		Repo:      repo,
		Logger:    logger,
		Metrics:   metrics,
		OlderThan: olderThan,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *StuckScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload StuckScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.OlderThan)
	return err
}

// Run performs one scan and returns the stuck transfers.
func (j *StuckScanJob) Run(ctx context.Context, olderThan time.Duration) (stuck []transfers.Transfer, err error) {
	if j == nil || j.Repo == nil {
		return nil, errors.New("stuck scan: handler not configured")
	}
	if olderThan <= 0 {
		olderThan = j.OlderThan
	}
	tracker := j.Metrics.Track(TaskTransferStuckScan)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.Duration("older_than", olderThan))
	stuck, err = j.Repo.ListStuck(ctx, j.now().Add(-olderThan))
	if err != nil {
		logger.Error("stuck scan failed", slog.Any("error", err))
		return nil, err
	}
	for _, tr := range stuck {
		attrs := []any{
			slog.Int64("transfer_id", tr.ID),
			slog.String("transfer_number", tr.Number),
		}
		if tr.QCDecidedAt != nil {
			attrs = append(attrs, slog.Time("approved_at", *tr.QCDecidedAt))
		}
		logger.Warn("transfer stuck in qc_approved", attrs...)
	}
	j.Metrics.SetStuckTransfers(len(stuck))
	logger.Info("completed stuck scan", slog.Int("stuck", len(stuck)))
	return stuck, nil
}

func (j *StuckScanJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *StuckScanJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
