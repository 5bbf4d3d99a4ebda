package stream

import (
	"context"
	"time"
)

// Run drives the engine at the monitor's target rate until ctx is done or
// Stop is called. All engine state is owned by this goroutine while it runs.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.monitor.Target()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := e.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case pos := <-e.positions:
			e.SetObserver(pos)
		case req := <-e.observerJoin:
			e.handleObserverJoin(req)
		case req := <-e.observerSub:
			e.handleObserverSubscribe(req)
		case id := <-e.observerLeave:
			e.handleObserverLeave(id)
		case req := <-e.rebuild:
			err := e.EnqueueRebuild(req.Tile)
			if req.Resp != nil {
				select {
				case req.Resp <- err:
				default:
				}
			}
		case <-ticker.C:
			now := e.clock.Now()
			dt := now.Sub(last).Seconds()
			last = now
			if dt <= 0 {
				dt = interval.Seconds()
			}
			e.Step(dt)
		}
	}
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}
