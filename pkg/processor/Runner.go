package processor

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Runner drives the detector and the dispatcher on independent intervals until the
// context is cancelled.
type Runner struct {
	detector   *ReminderDetector
	dispatcher *OutboxProcessor
	cfg        Config
	logger     *zap.Logger
}

// NewRunner wires the loops. dispatcher may be nil when the outbox is disabled.
func NewRunner(detector *ReminderDetector, dispatcher *OutboxProcessor, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		detector:   detector,
		dispatcher: dispatcher,
		cfg:        cfg.normalize(),
		logger:     logger.Named("runner"),
	}
}

// Run blocks until ctx is done and every loop has returned.
func (r *Runner) Run(ctx context.Context) {
	var wg conc.WaitGroup
	if r.detector != nil {
		wg.Go(func() { r.loop(ctx, "detector", r.cfg.DetectInterval, r.detectTick) })
	}
	if r.dispatcher != nil && r.cfg.OutboxEnabled {
		wg.Go(func() { r.loop(ctx, "dispatcher", r.cfg.DispatchInterval, r.dispatchTick) })
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	r.logger.Info("loop started", zap.String("loop", name), zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (r *Runner) detectTick(ctx context.Context) {
	res, err := r.detector.EnqueueDueReminders(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("detector tick failed", zap.Error(err))
	}
	if res.Scanned > 0 {
		r.logger.Info("detector tick",
			zap.Int("loops", res.Loops),
			zap.Int("scanned", res.Scanned),
			zap.Int("enqueued", res.Enqueued),
			zap.Int("sent", res.Sent),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
			zap.Int("deferred", res.Deferred),
		)
	}
}

func (r *Runner) dispatchTick(ctx context.Context) {
	res, err := r.dispatcher.DispatchOutboxBatch(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("dispatcher tick failed", zap.Error(err))
	}
	if res.Claimed > 0 {
		r.logger.Info("dispatcher tick",
			zap.Int("claimed", res.Claimed),
			zap.Int("delivered", res.Delivered),
			zap.Int("retried", res.Retried),
			zap.Int("dead_lettered", res.DeadLettered),
			zap.Int("closed", res.Closed),
			zap.Int("deferred", res.Deferred),
			zap.Int("state_update_failed", res.StateUpdateFailed),
		)
	}
}
