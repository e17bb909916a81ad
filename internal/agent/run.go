package agent

import (
	"context"
	"time"

	"github.com/roach88/trustagent/internal/model"
)

// Run synchronises every managed application once, then again on every
// sync interval and whenever storage or the bus report a change. It
// returns ctx.Err() once ctx is done, or nil after Close.
func (a *SecurityAgent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	a.logger.Info("agent running",
		"interval", a.opts.interval.String(),
		"workers", a.opts.workers)

	a.UpdateApplications(ctx)

	ticker := time.NewTicker(a.opts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			a.UpdateApplications(ctx)
		case _, open := <-a.queue.Wait():
			if !open {
				a.logger.Info("agent closed")
				return nil
			}
			a.syncQueued(ctx)
		}
	}
}

// syncQueued synchronises the applications queued by notifications.
func (a *SecurityAgent) syncQueued(ctx context.Context) {
	keys := a.queue.Drain()
	if len(keys) == 0 {
		return
	}
	apps := make([]model.OnlineApplication, 0, len(keys))
	for _, key := range keys {
		if app, err := a.GetApplication(key); err == nil {
			apps = append(apps, app)
		}
	}
	if len(apps) > 0 {
		a.UpdateApplications(ctx, apps...)
	}
}
