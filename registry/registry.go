// Package registry maps action kinds to their forward and reverse
// executors. It is read-only configuration after startup: build the
// registry once, then share it freely across dispatcher workers.
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/moderation"
)

// ActionFunc executes one platform action with the stored parameter payload
// and returns the platform's result payload.
type ActionFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Action pairs a forward executor with its reversal. Reverse is nil for
// irreversible kinds; rollback skips those entries.
type Action struct {
	Kind    string
	Forward ActionFunc
	Reverse ActionFunc
}

// Reversible reports whether the action can be undone.
func (a Action) Reversible() bool { return a.Reverse != nil }

// Registry is the action lookup table.
type Registry struct {
	actions map[string]Action
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		actions: make(map[string]Action),
		logger:  logger.With(zap.String("component", "action_registry")),
	}
}

// Register adds an action. Registration happens at startup, before any
// dispatcher worker runs; later calls would race with readers.
func (r *Registry) Register(a Action) {
	r.actions[a.Kind] = a
	r.logger.Debug("action registered",
		zap.String("kind", a.Kind),
		zap.Bool("reversible", a.Reversible()),
	)
}

// Lookup returns the action for kind. An unknown kind is a configuration
// error, not a retry candidate.
func (r *Registry) Lookup(kind string) (Action, error) {
	a, ok := r.actions[kind]
	if !ok {
		return Action{}, moderation.NewUnregisteredAction(kind)
	}
	return a, nil
}

// Forward invokes the forward executor for kind.
func (r *Registry) Forward(ctx context.Context, kind string, params map[string]any) (map[string]any, error) {
	a, err := r.Lookup(kind)
	if err != nil {
		return nil, err
	}
	result, err := a.Forward(ctx, params)
	if err != nil {
		return nil, moderation.NewExecutorFailed(kind, err)
	}
	return result, nil
}

// Reverse invokes the reversal executor for kind.
func (r *Registry) Reverse(ctx context.Context, kind string, params map[string]any) (map[string]any, error) {
	a, err := r.Lookup(kind)
	if err != nil {
		return nil, err
	}
	if a.Reverse == nil {
		return nil, moderation.NewExecutorFailed(kind, errNotReversible)
	}
	result, err := a.Reverse(ctx, params)
	if err != nil {
		return nil, moderation.NewExecutorFailed(kind, err)
	}
	return result, nil
}

// Kinds returns the registered kinds. Test and diagnostics helper.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	return kinds
}
