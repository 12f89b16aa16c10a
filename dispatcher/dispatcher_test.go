package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/analysis"
	"github.com/guardian-ai/orchestrator/engine"
	"github.com/guardian-ai/orchestrator/moderation"
	"github.com/guardian-ai/orchestrator/queue"
	"github.com/guardian-ai/orchestrator/registry"
	"github.com/guardian-ai/orchestrator/store"
)

const leakedSecret = "found this in the repo: api_key = sk-aaaabbbbccccdddd1234"

type countingPlatform struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingPlatform() *countingPlatform {
	return &countingPlatform{calls: make(map[string]int)}
}

func (p *countingPlatform) call(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[name]++
	return nil
}

func (p *countingPlatform) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

func (p *countingPlatform) RemoveContent(ctx context.Context, id string) error {
	return p.call("remove_content")
}
func (p *countingPlatform) RestoreContent(ctx context.Context, id string) error {
	return p.call("restore_content")
}
func (p *countingPlatform) BanUser(ctx context.Context, id string) error { return p.call("ban_user") }
func (p *countingPlatform) UnbanUser(ctx context.Context, id string) error {
	return p.call("unban_user")
}
func (p *countingPlatform) WarnUser(ctx context.Context, id string) error { return p.call("warn_user") }

type fixture struct {
	dispatcher *Dispatcher
	queue      *queue.MemoryQueue
	store      store.CaseStore
	platform   *countingPlatform
}

func newFixture(t *testing.T, cs store.CaseStore) *fixture {
	t.Helper()
	if cs == nil {
		cs = store.NewMemoryStore()
	}
	platform := newCountingPlatform()
	q := queue.NewMemoryQueue(64)
	t.Cleanup(func() { _ = q.Close() })

	eng := engine.New(cs, registry.NewPlatformRegistry(platform, zap.NewNop()),
		analysis.NewRuleAnalyzer(zap.NewNop()), zap.NewNop())

	return &fixture{
		dispatcher: New(q, eng, cs, DefaultConfig(), zap.NewNop()),
		queue:      q,
		store:      cs,
		platform:   platform,
	}
}

func (f *fixture) enqueue(t *testing.T, cmdType queue.CommandType, caseID string, payload any) *queue.Command {
	t.Helper()
	cmd, err := queue.NewCommand(cmdType, caseID, payload)
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(context.Background(), cmd))
	return cmd
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	processed := 0
	for {
		ok, err := f.dispatcher.ProcessOne(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			return processed
		}
		processed++
	}
}

func TestDispatchLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.enqueue(t, queue.CommandStart, "case_1", queue.StartPayload{
		ContentID:   "post_1",
		ContentText: leakedSecret,
	})
	assert.Equal(t, 1, f.drain(t))

	c, err := f.store.Get(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, moderation.StatusInterrupted, c.Status)

	f.enqueue(t, queue.CommandResume, "case_1", queue.ResumePayload{
		HumanDecision: moderation.DecisionRemoveAndBan,
		ModeratorID:   "mod_a",
	})
	assert.Equal(t, 1, f.drain(t))

	c, err = f.store.Get(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, moderation.StatusDone, c.Status)
	assert.Equal(t, 1, f.platform.count("remove_content"))
	assert.Equal(t, 1, f.platform.count("ban_user"))

	f.enqueue(t, queue.CommandRollback, "case_1", queue.RollbackPayload{
		Reason:      "appeal",
		RequestedBy: "appeals_team",
	})
	assert.Equal(t, 1, f.drain(t))

	c, err = f.store.Get(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, moderation.StatusInterrupted, c.Status)
	assert.Equal(t, 1, c.EscalationCount)
	assert.Equal(t, 1, f.platform.count("unban_user"))
	assert.Equal(t, 1, f.platform.count("restore_content"))
	assert.Equal(t, 0, f.queue.Len())
}

func TestDuplicateDeliverySkipsEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.enqueue(t, queue.CommandStart, "case_1", queue.StartPayload{
		ContentID: "post_1", ContentText: leakedSecret,
	})
	f.drain(t)

	cmd := f.enqueue(t, queue.CommandResume, "case_1", queue.ResumePayload{
		HumanDecision: moderation.DecisionApproveRemoval,
		ModeratorID:   "mod_a",
	})
	f.drain(t)
	assert.Equal(t, 1, f.platform.count("remove_content"))

	before, err := f.store.Get(ctx, "case_1")
	require.NoError(t, err)

	// Redeliver the identical command. The ledger short-circuits it before
	// the engine runs, so no executor fires and the checkpoint stays put.
	require.NoError(t, f.queue.Enqueue(ctx, cmd))
	assert.Equal(t, 1, f.drain(t))

	after, err := f.store.Get(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 1, f.platform.count("remove_content"))
	assert.Equal(t, 0, f.queue.Len())
}

func TestCompetingResumesFirstWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.enqueue(t, queue.CommandStart, "case_1", queue.StartPayload{
		ContentID: "post_1", ContentText: leakedSecret,
	})
	f.drain(t)

	f.enqueue(t, queue.CommandResume, "case_1", queue.ResumePayload{
		HumanDecision: moderation.DecisionIgnore,
		ModeratorID:   "mod_a",
	})
	f.enqueue(t, queue.CommandResume, "case_1", queue.ResumePayload{
		HumanDecision: moderation.DecisionRemoveAndBan,
		ModeratorID:   "mod_b",
	})
	assert.Equal(t, 2, f.drain(t))

	c, err := f.store.Get(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, moderation.StatusDone, c.Status)
	assert.Equal(t, moderation.DecisionIgnore, c.HumanDecision)
	assert.Equal(t, "mod_a", c.ModeratorID)
	// The losing verdict was rejected, not retried.
	assert.Equal(t, 0, f.platform.count("remove_content"))
	assert.Equal(t, 0, f.queue.Len())
}

func TestCompetingResumesConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.enqueue(t, queue.CommandStart, "case_1", queue.StartPayload{
		ContentID: "post_1", ContentText: leakedSecret,
	})
	f.drain(t)

	f.enqueue(t, queue.CommandResume, "case_1", queue.ResumePayload{
		HumanDecision: moderation.DecisionIgnore,
		ModeratorID:   "mod_a",
	})
	f.enqueue(t, queue.CommandResume, "case_1", queue.ResumePayload{
		HumanDecision: moderation.DecisionRemoveAndBan,
		ModeratorID:   "mod_b",
	})

	// Both commands are in flight at once. The keyed mutex serializes the
	// handlers and the loser reloads state the winner already committed.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.dispatcher.ProcessOne(ctx, 100*time.Millisecond)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	c, err := f.store.Get(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, moderation.StatusDone, c.Status)

	// Exactly one verdict applied; the platform saw only its actions.
	switch c.HumanDecision {
	case moderation.DecisionIgnore:
		assert.Equal(t, "mod_a", c.ModeratorID)
		assert.Equal(t, 0, f.platform.count("remove_content"))
		assert.Equal(t, 0, f.platform.count("ban_user"))
	case moderation.DecisionRemoveAndBan:
		assert.Equal(t, "mod_b", c.ModeratorID)
		assert.Equal(t, 1, f.platform.count("remove_content"))
		assert.Equal(t, 1, f.platform.count("ban_user"))
	default:
		t.Fatalf("unexpected decision %q", c.HumanDecision)
	}
	assert.Equal(t, 0, f.queue.Len())
}

func TestRejectedCommandsAreConsumed(t *testing.T) {
	f := newFixture(t, nil)

	f.enqueue(t, queue.CommandResume, "ghost", queue.ResumePayload{
		HumanDecision: moderation.DecisionIgnore,
		ModeratorID:   "mod_a",
	})
	f.enqueue(t, queue.CommandRollback, "ghost", queue.RollbackPayload{Reason: "appeal"})

	cmd := &queue.Command{ID: "cmd_bogus", Type: "compact", CaseID: "case_1"}
	require.NoError(t, f.queue.Enqueue(context.Background(), cmd))

	assert.Equal(t, 3, f.drain(t))
	assert.Equal(t, 0, f.queue.Len())
}

func TestMissingCaseIDDropped(t *testing.T) {
	f := newFixture(t, nil)

	cmd, err := queue.NewCommand(queue.CommandStart, "", queue.StartPayload{
		ContentID: "post_1", ContentText: leakedSecret,
	})
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(context.Background(), cmd))

	assert.Equal(t, 1, f.drain(t))
	assert.Equal(t, 0, f.queue.Len())
}

// contentiousStore fails the first Update with a version conflict,
// simulating a lost race against another dispatcher replica.
type contentiousStore struct {
	store.CaseStore
	mu     sync.Mutex
	failed bool
}

func (s *contentiousStore) Update(ctx context.Context, c *moderation.Case, expected int64, key string) error {
	s.mu.Lock()
	fail := !s.failed
	s.failed = true
	s.mu.Unlock()
	if fail {
		return store.ErrVersionConflict
	}
	return s.CaseStore.Update(ctx, c, expected, key)
}

func TestRetryableConflictRedelivered(t *testing.T) {
	ctx := context.Background()
	cs := &contentiousStore{CaseStore: store.NewMemoryStore()}
	f := newFixture(t, cs)

	f.enqueue(t, queue.CommandStart, "case_1", queue.StartPayload{
		ContentID: "post_1", ContentText: leakedSecret,
	})

	// First attempt loses the version race and is nacked; the memory queue
	// redelivers immediately and the retry succeeds.
	assert.Equal(t, 2, f.drain(t))

	c, err := f.store.Get(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, moderation.StatusInterrupted, c.Status)
	assert.Equal(t, 0, f.queue.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx) }()

	f.enqueue(t, queue.CommandStart, "case_1", queue.StartPayload{
		ContentID: "post_1", ContentText: leakedSecret,
	})

	require.Eventually(t, func() bool {
		c, err := f.store.Get(context.Background(), "case_1")
		return err == nil && c.Status == moderation.StatusInterrupted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestKeyMutex(t *testing.T) {
	t.Run("SerializesSameKey", func(t *testing.T) {
		km := newKeyMutex()
		var counter int

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := km.Lock("case_1")
				defer unlock()
				counter++
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, counter)
		assert.Empty(t, km.entries)
	})

	t.Run("IndependentKeys", func(t *testing.T) {
		km := newKeyMutex()
		unlockA := km.Lock("a")

		acquired := make(chan struct{})
		go func() {
			unlockB := km.Lock("b")
			close(acquired)
			unlockB()
		}()

		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("independent key blocked")
		}
		unlockA()
	})
}

type denyLocker struct{}

func (denyLocker) Acquire(ctx context.Context, caseID string, ttl time.Duration) (func(), bool, error) {
	return nil, false, nil
}

type errLocker struct{}

func (errLocker) Acquire(ctx context.Context, caseID string, ttl time.Duration) (func(), bool, error) {
	return nil, false, errors.New("redis down")
}

func TestLockerContention(t *testing.T) {
	t.Run("HeldLockLeavesCommandQueued", func(t *testing.T) {
		f := newFixture(t, nil)
		WithLocker(denyLocker{})(f.dispatcher)

		f.enqueue(t, queue.CommandStart, "case_1", queue.StartPayload{
			ContentID: "post_1", ContentText: leakedSecret,
		})

		ok, err := f.dispatcher.ProcessOne(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)
		// Nacked back for redelivery, not consumed.
		assert.Equal(t, 1, f.queue.Len())

		_, err = f.store.Get(context.Background(), "case_1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("LockerErrorLeavesCommandQueued", func(t *testing.T) {
		f := newFixture(t, nil)
		WithLocker(errLocker{})(f.dispatcher)

		f.enqueue(t, queue.CommandStart, "case_1", queue.StartPayload{
			ContentID: "post_1", ContentText: leakedSecret,
		})

		ok, err := f.dispatcher.ProcessOne(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, f.queue.Len())
	})
}
