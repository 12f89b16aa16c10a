// Package orchestrator provides a top-level convenience entry point for
// running the moderation workflow engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/guardian-ai/orchestrator"
//
//	o, err := orchestrator.New()
//	o, err := orchestrator.New(orchestrator.WithLogger(logger))
//
// The default assembly keeps everything in process: an in-memory checkpoint
// store, an in-memory command queue, the rule-based analyzer, and a platform
// client that only logs its actions. Production deployments should wire the
// persistent backends through cmd/guardian instead.
package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/analysis"
	"github.com/guardian-ai/orchestrator/dispatcher"
	"github.com/guardian-ai/orchestrator/engine"
	"github.com/guardian-ai/orchestrator/queue"
	"github.com/guardian-ai/orchestrator/registry"
	"github.com/guardian-ai/orchestrator/store"
)

// Orchestrator bundles an engine, a dispatcher, and their backends.
type Orchestrator struct {
	Engine     *engine.Engine
	Status     *engine.StatusService
	Queue      queue.Queue
	Store      store.CaseStore
	Dispatcher *dispatcher.Dispatcher
}

type options struct {
	logger   *zap.Logger
	store    store.CaseStore
	queue    queue.Queue
	analyzer analysis.Analyzer
	platform registry.PlatformClient
}

// Option configures the orchestrator created by [New].
type Option func(*options)

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore sets the checkpoint store.
func WithStore(cs store.CaseStore) Option {
	return func(o *options) { o.store = cs }
}

// WithQueue sets the command queue.
func WithQueue(q queue.Queue) Option {
	return func(o *options) { o.queue = q }
}

// WithAnalyzer sets the content analyzer.
func WithAnalyzer(a analysis.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// WithPlatform sets the platform client executing moderation actions.
func WithPlatform(p registry.PlatformClient) Option {
	return func(o *options) { o.platform = p }
}

// New assembles an orchestrator with in-memory defaults.
func New(opts ...Option) (*Orchestrator, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.store == nil {
		o.store = store.NewMemoryStore()
	}
	if o.queue == nil {
		o.queue = queue.NewMemoryQueue(256)
	}
	if o.analyzer == nil {
		o.analyzer = analysis.NewRuleAnalyzer(o.logger)
	}
	if o.platform == nil {
		o.platform = registry.NewLoggingPlatformClient(o.logger)
	}

	actions := registry.NewPlatformRegistry(o.platform, o.logger)
	eng := engine.New(o.store, actions, o.analyzer, o.logger)
	disp := dispatcher.New(o.queue, eng, o.store, dispatcher.DefaultConfig(), o.logger)

	return &Orchestrator{
		Engine:     eng,
		Status:     engine.NewStatusService(o.store, o.logger),
		Queue:      o.queue,
		Store:      o.store,
		Dispatcher: disp,
	}, nil
}

// Run starts the dispatcher workers and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.Dispatcher.Run(ctx)
}
