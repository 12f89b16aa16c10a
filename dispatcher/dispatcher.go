// Package dispatcher consumes the command queue and drives the workflow
// engine. It owns the serialization and delivery guarantees: per-case
// mutual exclusion, idempotent handling of redelivered commands, and the
// ack/redeliver policy derived from the error taxonomy.
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guardian-ai/orchestrator/engine"
	"github.com/guardian-ai/orchestrator/moderation"
	"github.com/guardian-ai/orchestrator/queue"
	"github.com/guardian-ai/orchestrator/store"
)

// Config tunes the dispatcher worker pool.
type Config struct {
	// Workers is the number of concurrent consumers.
	Workers int
	// ReceiveBlock bounds how long one Receive call blocks.
	ReceiveBlock time.Duration
	// LockTTL is the distributed lock lease when a CaseLocker is set.
	LockTTL time.Duration
}

// DefaultConfig returns the standard dispatcher tuning.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		ReceiveBlock: 2 * time.Second,
		LockTTL:      30 * time.Second,
	}
}

// Metrics receives dispatch observations. Implemented by
// internal/metrics.Collector.
type Metrics interface {
	RecordCommand(cmdType, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordCommand(cmdType, outcome string) {}

// Dispatcher runs the consumer loop.
type Dispatcher struct {
	queue   queue.Queue
	engine  *engine.Engine
	store   store.CaseStore
	keys    *keyMutex
	locker  CaseLocker
	logger  *zap.Logger
	metrics Metrics
	cfg     Config
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLocker enables cross-process case locking.
func WithLocker(l CaseLocker) Option {
	return func(d *Dispatcher) { d.locker = l }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher over the given queue and engine.
func New(q queue.Queue, eng *engine.Engine, cs store.CaseStore, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ReceiveBlock <= 0 {
		cfg.ReceiveBlock = DefaultConfig().ReceiveBlock
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	d := &Dispatcher{
		queue:   q,
		engine:  eng,
		store:   cs,
		keys:    newKeyMutex(),
		logger:  logger.With(zap.String("component", "dispatcher")),
		metrics: nopMetrics{},
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", zap.Int("workers", d.cfg.Workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return d.consume(ctx, worker)
		})
	}

	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Dispatcher) consume(ctx context.Context, worker int) error {
	log := d.logger.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return nil
		}

		delivery, err := d.queue.Receive(ctx, d.cfg.ReceiveBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if delivery == nil {
			continue
		}

		d.handle(ctx, log, delivery)
	}
}

// ProcessOne receives and handles at most one command. Used by tests and
// the drain path; Run is the production loop.
func (d *Dispatcher) ProcessOne(ctx context.Context, block time.Duration) (bool, error) {
	delivery, err := d.queue.Receive(ctx, block)
	if err != nil || delivery == nil {
		return false, err
	}
	d.handle(ctx, d.logger, delivery)
	return true, nil
}

func (d *Dispatcher) handle(ctx context.Context, log *zap.Logger, delivery *queue.Delivery) {
	cmd := delivery.Command
	log = log.With(
		zap.String("command_id", cmd.ID),
		zap.String("command_type", string(cmd.Type)),
		zap.String("case_id", cmd.CaseID),
	)

	if cmd.CaseID == "" {
		log.Error("command without case id, dropping")
		d.ack(ctx, log, delivery)
		d.metrics.RecordCommand(string(cmd.Type), "invalid")
		return
	}

	unlock := d.keys.Lock(cmd.CaseID)
	defer unlock()

	if d.locker != nil {
		release, ok, err := d.locker.Acquire(ctx, cmd.CaseID, d.cfg.LockTTL)
		if err != nil {
			log.Warn("case lock acquire failed, leaving for redelivery", zap.Error(err))
			_ = d.queue.Nack(ctx, delivery)
			return
		}
		if !ok {
			log.Debug("case locked by another dispatcher, leaving for redelivery")
			_ = d.queue.Nack(ctx, delivery)
			d.metrics.RecordCommand(string(cmd.Type), "contended")
			return
		}
		defer release()
	}

	// Redelivered commands that already took effect are consumed without
	// touching the engine.
	if cmd.IdempotencyKey != "" {
		applied, err := d.store.Applied(ctx, cmd.IdempotencyKey)
		if err != nil {
			log.Warn("idempotency lookup failed, leaving for redelivery", zap.Error(err))
			_ = d.queue.Nack(ctx, delivery)
			return
		}
		if applied {
			log.Info("duplicate delivery, skipping")
			d.ack(ctx, log, delivery)
			d.metrics.RecordCommand(string(cmd.Type), "duplicate")
			return
		}
	}

	err := d.invoke(ctx, cmd)
	switch {
	case err == nil:
		d.ack(ctx, log, delivery)
		d.metrics.RecordCommand(string(cmd.Type), "ok")

	case moderation.IsRetryable(err):
		// Lost a version race; the command is still valid, retry it.
		log.Info("retryable failure, leaving for redelivery", zap.Error(err))
		_ = d.queue.Nack(ctx, delivery)
		d.metrics.RecordCommand(string(cmd.Type), "retry")

	default:
		// Validation, conflicts, missing cases, and executor failures are
		// final for this command: the case record is the outcome, and
		// redelivering could not change it.
		log.Warn("command rejected", zap.String("code", string(moderation.CodeOf(err))), zap.Error(err))
		d.ack(ctx, log, delivery)
		d.metrics.RecordCommand(string(cmd.Type), "rejected")
	}
}

func (d *Dispatcher) invoke(ctx context.Context, cmd *queue.Command) error {
	switch cmd.Type {
	case queue.CommandStart:
		var p queue.StartPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return moderation.NewValidation("bad start payload: %v", err)
		}
		return d.engine.StartCase(ctx, cmd.CaseID, engine.StartRequest{
			ContentID:   p.ContentID,
			ContentText: p.ContentText,
		}, cmd.IdempotencyKey)

	case queue.CommandResume:
		var p queue.ResumePayload
		if err := cmd.DecodePayload(&p); err != nil {
			return moderation.NewValidation("bad resume payload: %v", err)
		}
		return d.engine.Resume(ctx, cmd.CaseID, engine.ResumeRequest{
			HumanDecision: p.HumanDecision,
			ModeratorID:   p.ModeratorID,
			Comment:       p.Comment,
		}, cmd.IdempotencyKey)

	case queue.CommandRollback:
		var p queue.RollbackPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return moderation.NewValidation("bad rollback payload: %v", err)
		}
		return d.engine.Rollback(ctx, cmd.CaseID, engine.RollbackRequest{
			Reason:      p.Reason,
			RequestedBy: p.RequestedBy,
		}, cmd.IdempotencyKey)

	default:
		return moderation.NewValidation("unknown command type %q", cmd.Type)
	}
}

func (d *Dispatcher) ack(ctx context.Context, log *zap.Logger, delivery *queue.Delivery) {
	if err := d.queue.Ack(ctx, delivery); err != nil {
		// The command already took effect; the idempotency ledger absorbs
		// the redelivery this causes.
		log.Warn("ack failed", zap.Error(err))
	}
}
