package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewCommand(t *testing.T) {
	cmd, err := NewCommand(CommandResume, "case-1", ResumePayload{
		HumanDecision: "remove_content_and_ban",
		ModeratorID:   "mod-42",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.NotEmpty(t, cmd.IdempotencyKey)
	assert.Equal(t, "case-1", cmd.CaseID)

	var p ResumePayload
	require.NoError(t, cmd.DecodePayload(&p))
	assert.Equal(t, "remove_content_and_ban", p.HumanDecision)
	assert.Equal(t, "mod-42", p.ModeratorID)
}

func TestCommandDecodeEmptyPayload(t *testing.T) {
	cmd := &Command{ID: "x", Type: CommandStart}
	var p StartPayload
	assert.Error(t, cmd.DecodePayload(&p))
}

func setupRedisQueue(t *testing.T) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.MinIdle = 5 * time.Second

	q, err := NewRedisQueue(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return mr, q
}

func TestRedisQueueEnqueueReceiveAck(t *testing.T) {
	_, q := setupRedisQueue(t)
	ctx := context.Background()

	cmd, err := NewCommand(CommandStart, "case-r1", StartPayload{ContentID: "post-1", ContentText: "hello"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, cmd))

	d, err := q.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, cmd.ID, d.Command.ID)
	assert.Equal(t, CommandStart, d.Command.Type)

	require.NoError(t, q.Ack(ctx, d))

	// Nothing left to receive.
	d, err = q.Receive(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRedisQueueRedeliveryAfterMinIdle(t *testing.T) {
	mr, q := setupRedisQueue(t)
	ctx := context.Background()

	cmd, err := NewCommand(CommandRollback, "case-r2", RollbackPayload{Reason: "mod changed mind"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, cmd))

	d, err := q.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Nack(ctx, d))

	// Not claimable until the redelivery delay has passed.
	d2, err := q.Receive(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d2)

	// miniredis's FastForward only advances key TTLs; stream pending-entry
	// idle time is computed from the server clock, which SetTime controls.
	mr.SetTime(time.Now().Add(6 * time.Second))

	d3, err := q.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d3, "nacked delivery must be reclaimed after min idle")
	assert.Equal(t, cmd.ID, d3.Command.ID)
	require.NoError(t, q.Ack(ctx, d3))
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()
	ctx := context.Background()

	cmd, err := NewCommand(CommandResume, "case-m1", ResumePayload{HumanDecision: "ignore", ModeratorID: "mod-1"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, cmd))

	d, err := q.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Ack(ctx, d))

	d, err = q.Receive(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemoryQueueNackRequeues(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()
	ctx := context.Background()

	cmd, err := NewCommand(CommandStart, "case-m2", StartPayload{ContentID: "p", ContentText: "t"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, cmd))

	d, err := q.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.Nack(ctx, d))

	d2, err := q.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d2, "nacked delivery must be redelivered")
	assert.Equal(t, cmd.ID, d2.Command.ID)
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())

	cmd, err := NewCommand(CommandStart, "c", StartPayload{ContentID: "p", ContentText: "t"})
	require.NoError(t, err)
	assert.ErrorIs(t, q.Enqueue(context.Background(), cmd), ErrQueueClosed)
}
