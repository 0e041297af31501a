package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	opts pgx.TxOptions
	tx   *fakeTx
}

func (b *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = opts
	b.tx = &fakeTx{}
	return b.tx, nil
}

func TestWithTxIsolationLevels(t *testing.T) {
	ctx := context.Background()
	noop := func(pgx.Tx) error { return nil }

	b := &fakeBeginner{}
	require.NoError(t, WithTx(ctx, b, noop))
	require.Equal(t, pgx.RepeatableRead, b.opts.IsoLevel)
	require.True(t, b.tx.committed)

	require.NoError(t, WithLockingTx(ctx, b, noop))
	require.Equal(t, pgx.ReadCommitted, b.opts.IsoLevel)
	require.True(t, b.tx.committed)
}

func TestWithTxRollsBackAndReturnsError(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")
	err := WithLockingTx(context.Background(), b, func(pgx.Tx) error { return boom })
	require.Same(t, boom, err)
	require.False(t, b.tx.committed)
	require.True(t, b.tx.rolledBack)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
	require.False(t, IsUniqueViolation(errors.New("plain")))
}
