package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"autotrader/internal/domain"
)

func setupPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPostgresStoreLifecycle(t *testing.T) {
	st := setupPostgresStore(t)
	ctx := context.Background()

	s := newTestStrategy("pg-vr")
	require.NoError(t, st.CreateStrategy(ctx, s))
	assert.ErrorIs(t, st.CreateStrategy(ctx, newTestStrategy("pg-vr")), ErrDuplicateKey)

	snap, err := st.Append(ctx, s.ID, domain.SnapshotStatusInit, json.RawMessage(`{"current_v":10000}`), 1)
	require.NoError(t, err)
	_, err = st.Append(ctx, s.ID, domain.SnapshotStatusInit, json.RawMessage(`{}`), 1)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	orders, err := st.AttachOrders(ctx, snap.ID, []domain.Order{
		{Symbol: "TQQQ", Side: domain.OrderSideBuy, Type: domain.OrderTypeLOC, Qty: 3, Price: 61.2, Status: domain.OrderStatusSubmitted, BrokerRef: "pg-1"},
	})
	require.NoError(t, err)
	require.Len(t, orders, 1)

	require.NoError(t, st.MarkInProgress(ctx, snap.ID, time.Now()))
	require.NoError(t, st.UpdateOrderStatus(ctx, orders[0].ID, domain.Fill{
		BrokerRef: "pg-1", Status: domain.OrderStatusFilled, FilledQty: 3, FilledPrice: 61.0,
	}))
	require.NoError(t, st.Finalize(ctx, snap.ID, domain.SnapshotStatusCompleted, ""))

	got, err := st.GetOrder(ctx, orders[0].ID)
	require.NoError(t, err)
	qty, price := got.Filled()
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 3.0, qty)
	assert.Equal(t, 61.0, price)

	latest, err := st.LatestResumable(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotStatusCompleted, latest.Status)
	assert.JSONEq(t, `{"current_v":10000}`, string(latest.Progress))

	lease, err := st.Acquire(ctx, LockKey(s.ID), time.Minute)
	require.NoError(t, err)
	_, err = st.Acquire(ctx, LockKey(s.ID), time.Minute)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	require.NoError(t, st.Release(ctx, lease))

	require.NoError(t, st.DeleteStrategy(ctx, s.ID))
	_, err = st.GetOrder(ctx, orders[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
