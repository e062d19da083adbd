// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()
	cfg.ReceiveTimeout = 200 * time.Millisecond
	cfg.MaxDeliveryCount = 3
	return New(rdb, zap.NewNop(), cfg), mr
}

func TestSendReceiveAck(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Send(ctx, "jobs", Message{JobID: "j1", JobType: "search", Payload: map[string]interface{}{}}))

	msg, err := c.Receive(ctx, "jobs", "worker-1")
	require.NoError(t, err)
	require.Equal(t, "j1", msg.Body.JobID)
	require.Equal(t, 1, msg.DeliveryCount)

	require.NoError(t, c.Ack(ctx, "jobs", "worker-1", msg))

	_, err = c.Receive(ctx, "jobs", "worker-1")
	require.ErrorIs(t, err, ErrEmpty)
}

func TestNackRequeuesUntilMaxDeliveryThenDeadLetters(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Send(ctx, "jobs", Message{JobID: "j1", JobType: "search"}))

	for i := 0; i < c.cfg.MaxDeliveryCount-1; i++ {
		msg, err := c.Receive(ctx, "jobs", "worker-1")
		require.NoError(t, err)
		require.NoError(t, c.Nack(ctx, "jobs", "worker-1", msg, "stage error", "boom"))
	}

	msg, err := c.Receive(ctx, "jobs", "worker-1")
	require.NoError(t, err)
	require.Equal(t, c.cfg.MaxDeliveryCount, msg.DeliveryCount)
	require.NoError(t, c.Nack(ctx, "jobs", "worker-1", msg, "stage error", "boom"))

	_, err = c.Receive(ctx, "jobs", "worker-1")
	require.ErrorIs(t, err, ErrEmpty)

	dlqMsg, err := c.ReceiveDLQ(ctx, "jobs", "dlq-1")
	require.NoError(t, err)
	require.Equal(t, "j1", dlqMsg.Body.JobID)
	require.Equal(t, "stage error", dlqMsg.DeadLetterReason)
}

func TestRecoverOrphansRequeuesDeadConsumers(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Send(ctx, "jobs", Message{JobID: "j1", JobType: "search"}))

	_, err := c.Receive(ctx, "jobs", "worker-dead")
	require.NoError(t, err)

	mr.FastForward(c.cfg.HeartbeatTTL + time.Second)

	n, err := c.RecoverOrphans(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, err := c.Receive(ctx, "jobs", "worker-alive")
	require.NoError(t, err)
	require.Equal(t, "j1", msg.Body.JobID)
}

func TestMessageStageOverride(t *testing.T) {
	m := Message{Payload: map[string]interface{}{"stage": "ranking"}}
	stage, explicit := m.Stage()
	require.True(t, explicit)
	require.Equal(t, "ranking", stage)

	m2 := Message{Payload: map[string]interface{}{}}
	_, explicit2 := m2.Stage()
	require.False(t, explicit2)
}
