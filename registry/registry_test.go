package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/moderation"
)

// fakePlatform counts calls and can be told to fail specific operations.
type fakePlatform struct {
	removed, restored, banned, unbanned, warned []string
	failOn                                      string
}

var errPlatformDown = errors.New("platform unavailable")

func (f *fakePlatform) call(op string, list *[]string, contentID string) error {
	if f.failOn == op {
		return errPlatformDown
	}
	*list = append(*list, contentID)
	return nil
}

func (f *fakePlatform) RemoveContent(ctx context.Context, id string) error {
	return f.call("remove", &f.removed, id)
}
func (f *fakePlatform) RestoreContent(ctx context.Context, id string) error {
	return f.call("restore", &f.restored, id)
}
func (f *fakePlatform) BanUser(ctx context.Context, id string) error {
	return f.call("ban", &f.banned, id)
}
func (f *fakePlatform) UnbanUser(ctx context.Context, id string) error {
	return f.call("unban", &f.unbanned, id)
}
func (f *fakePlatform) WarnUser(ctx context.Context, id string) error {
	return f.call("warn", &f.warned, id)
}

func TestPlatformRegistryForwardAndReverse(t *testing.T) {
	platform := &fakePlatform{}
	r := NewPlatformRegistry(platform, zap.NewNop())
	ctx := context.Background()
	params := map[string]any{"content_id": "post-7"}

	result, err := r.Forward(ctx, KindRemoveContent, params)
	require.NoError(t, err)
	assert.Equal(t, "removed", result["status"])
	assert.Equal(t, []string{"post-7"}, platform.removed)

	result, err = r.Reverse(ctx, KindRemoveContent, params)
	require.NoError(t, err)
	assert.Equal(t, "restored", result["status"])
	assert.Equal(t, []string{"post-7"}, platform.restored)

	_, err = r.Forward(ctx, KindBanUser, params)
	require.NoError(t, err)
	_, err = r.Reverse(ctx, KindBanUser, params)
	require.NoError(t, err)
	assert.Equal(t, []string{"post-7"}, platform.unbanned)
}

func TestRegistryUnregisteredKind(t *testing.T) {
	r := New(zap.NewNop())

	_, err := r.Forward(context.Background(), "purge_everything", nil)
	require.Error(t, err)
	assert.Equal(t, moderation.ErrCodeUnregisteredAction, moderation.CodeOf(err))
	assert.False(t, moderation.IsRetryable(err), "configuration errors must not be retried")
}

func TestRegistryReversibility(t *testing.T) {
	r := NewPlatformRegistry(&fakePlatform{}, zap.NewNop())

	remove, err := r.Lookup(KindRemoveContent)
	require.NoError(t, err)
	assert.True(t, remove.Reversible())

	warn, err := r.Lookup(KindWarnUser)
	require.NoError(t, err)
	assert.False(t, warn.Reversible())

	_, err = r.Reverse(context.Background(), KindWarnUser, map[string]any{"content_id": "p"})
	require.Error(t, err)
	assert.Equal(t, moderation.ErrCodeExecutorFailed, moderation.CodeOf(err))
}

func TestRegistryExecutorFailure(t *testing.T) {
	platform := &fakePlatform{failOn: "ban"}
	r := NewPlatformRegistry(platform, zap.NewNop())

	_, err := r.Forward(context.Background(), KindBanUser, map[string]any{"content_id": "post-9"})
	require.Error(t, err)
	assert.Equal(t, moderation.ErrCodeExecutorFailed, moderation.CodeOf(err))
	assert.ErrorIs(t, err, errPlatformDown)
}

func TestRegistryMissingContentID(t *testing.T) {
	r := NewPlatformRegistry(&fakePlatform{}, zap.NewNop())

	_, err := r.Forward(context.Background(), KindRemoveContent, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, moderation.ErrCodeExecutorFailed, moderation.CodeOf(err))
}
