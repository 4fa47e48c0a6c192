package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	flipped int64
	lastAt  time.Time
	err     error
}

func (f *fakeLedger) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	f.lastAt = now
	return f.flipped, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOverdueScanUsesPayloadInstant(t *testing.T) {
	ledger := &fakeLedger{flipped: 3}
	job := NewOverdueScanJob(ledger, discardLogger())

	asOf := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	task, err := NewOverdueScanTask(OverdueScanPayload{AsOf: asOf.Format(time.RFC3339)})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.True(t, ledger.lastAt.Equal(asOf))
}

func TestOverdueScanDefaultsToNow(t *testing.T) {
	ledger := &fakeLedger{}
	job := NewOverdueScanJob(ledger, discardLogger())
	fixed := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return fixed }

	task, err := NewOverdueScanTask(OverdueScanPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.True(t, ledger.lastAt.Equal(fixed))
}

func TestOverdueScanBadPayloadSkipsRetry(t *testing.T) {
	job := NewOverdueScanJob(&fakeLedger{}, discardLogger())
	task := asynq.NewTask(TaskReceivablesOverdue, []byte("{not json"))
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

type fakeKeyStore struct {
	removed   int64
	retention time.Duration
}

func (f *fakeKeyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.retention = olderThan
	return f.removed, nil
}

func TestIdempotencyCleanupRetention(t *testing.T) {
	store := &fakeKeyStore{removed: 12}
	job := NewIdempotencyCleanupJob(store, discardLogger())

	task, err := NewIdempotencyCleanupTask(IdempotencyCleanupPayload{RetentionHours: 24})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 24*time.Hour, store.retention)

	task, err = NewIdempotencyCleanupTask(IdempotencyCleanupPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, defaultKeyRetention, store.retention)
}
