package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type stubTx struct {
	pgx.Tx
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *stubTx) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *stubTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type stubBeginner struct {
	txs   []*stubTx
	began int
}

func (b *stubBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	tx := b.txs[b.began]
	b.began++
	return tx, nil
}

func serializationErr() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func TestWithTxRetriesSerializationFailure(t *testing.T) {
	b := &stubBeginner{txs: []*stubTx{
		{commitErr: serializationErr()},
		{},
	}}

	calls := 0
	err := withTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 2, b.began)
	require.True(t, b.txs[1].committed)
}

func TestWithTxRetriesOnlyOnce(t *testing.T) {
	b := &stubBeginner{txs: []*stubTx{
		{commitErr: serializationErr()},
		{commitErr: serializationErr()},
	}}

	err := withTx(context.Background(), b, func(pgx.Tx) error { return nil })
	require.Error(t, err)
	require.True(t, isSerializationFailure(err))
	require.Equal(t, 2, b.began)
}

func TestWithTxDoesNotRetryBusinessErrors(t *testing.T) {
	b := &stubBeginner{txs: []*stubTx{{}}}
	boom := errors.New("insufficient stock")

	err := withTx(context.Background(), b, func(pgx.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, b.began)
	require.True(t, b.txs[0].rolledBack)
}
