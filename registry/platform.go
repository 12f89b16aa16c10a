package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errNotReversible = errors.New("action is not reversible")

// Platform action kinds.
const (
	KindRemoveContent = "remove_content"
	KindBanUser       = "ban_user"
	KindWarnUser      = "warn_user"
)

// PlatformClient is the moderation surface of the content platform. The
// orchestrator only ever calls it through the action registry, so a real
// HTTP or RPC client can be dropped in without touching the engine.
type PlatformClient interface {
	RemoveContent(ctx context.Context, contentID string) error
	RestoreContent(ctx context.Context, contentID string) error
	BanUser(ctx context.Context, contentID string) error
	UnbanUser(ctx context.Context, contentID string) error
	WarnUser(ctx context.Context, contentID string) error
}

// NewPlatformRegistry builds the standard registry over a platform client:
// remove_content and ban_user with their reversals, warn_user irreversible
// (a delivered warning cannot be withdrawn).
func NewPlatformRegistry(client PlatformClient, logger *zap.Logger) *Registry {
	r := New(logger)

	r.Register(Action{
		Kind:    KindRemoveContent,
		Forward: contentAction(client.RemoveContent, "removed"),
		Reverse: contentAction(client.RestoreContent, "restored"),
	})
	r.Register(Action{
		Kind:    KindBanUser,
		Forward: contentAction(client.BanUser, "banned"),
		Reverse: contentAction(client.UnbanUser, "unbanned"),
	})
	r.Register(Action{
		Kind:    KindWarnUser,
		Forward: contentAction(client.WarnUser, "warned"),
	})
	return r
}

// contentAction adapts a client call taking a content id into an ActionFunc
// over the stored parameter payload.
func contentAction(fn func(context.Context, string) error, status string) ActionFunc {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		contentID, _ := params["content_id"].(string)
		if contentID == "" {
			return nil, errors.New("missing content_id parameter")
		}
		if err := fn(ctx, contentID); err != nil {
			return nil, err
		}
		return map[string]any{
			"status":     status,
			"content_id": contentID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}

// LoggingPlatformClient records would-be platform calls without side
// effects. Used by the demo deployment and as the default client when no
// platform endpoint is configured.
type LoggingPlatformClient struct {
	logger *zap.Logger
}

// NewLoggingPlatformClient creates a side-effect-free platform client.
func NewLoggingPlatformClient(logger *zap.Logger) *LoggingPlatformClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingPlatformClient{logger: logger.With(zap.String("component", "platform"))}
}

func (c *LoggingPlatformClient) RemoveContent(ctx context.Context, contentID string) error {
	c.logger.Info("removing content", zap.String("content_id", contentID))
	return nil
}

func (c *LoggingPlatformClient) RestoreContent(ctx context.Context, contentID string) error {
	c.logger.Info("restoring content", zap.String("content_id", contentID))
	return nil
}

func (c *LoggingPlatformClient) BanUser(ctx context.Context, contentID string) error {
	c.logger.Info("banning user", zap.String("content_id", contentID))
	return nil
}

func (c *LoggingPlatformClient) UnbanUser(ctx context.Context, contentID string) error {
	c.logger.Info("unbanning user", zap.String("content_id", contentID))
	return nil
}

func (c *LoggingPlatformClient) WarnUser(ctx context.Context, contentID string) error {
	c.logger.Info("warning user", zap.String("content_id", contentID))
	return nil
}
