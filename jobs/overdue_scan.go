package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// OverdueLedger is the receivables surface the scan needs.
type OverdueLedger interface {
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

// OverdueScanJob moves unpaid receivables past their due date to
// vencido. Scheduled daily; safe to run more often since the update
// only touches rows still pendiente or parcial.
type OverdueScanJob struct {
	ledger OverdueLedger
	logger *slog.Logger
	clock  func() time.Time
}

// NewOverdueScanJob initialises the scan handler.
func NewOverdueScanJob(ledger OverdueLedger, logger *slog.Logger) *OverdueScanJob {
	return &OverdueScanJob{
		ledger: ledger,
		logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.ledger == nil {
		return errors.New("overdue scan: handler not configured")
	}
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := j.clock()
	if payload.AsOf != "" {
		parsed, err := time.Parse(time.RFC3339, payload.AsOf)
		if err != nil {
			return asynq.SkipRetry
		}
		asOf = parsed
	}

	flipped, err := j.ledger.MarkOverdue(ctx, asOf)
	if err != nil {
		j.logger.Error("overdue scan failed", slog.Any("error", err))
		return err
	}
	j.logger.Info("overdue scan complete",
		slog.Int64("flipped", flipped),
		slog.Time("as_of", asOf))
	return nil
}
