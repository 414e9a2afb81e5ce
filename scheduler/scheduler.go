// Package scheduler is the overlay's Maintenance Scheduler: independent
// ticking goroutines driving heartbeat, route-sweep, id-query, STUN-refresh
// and punch-retry. It generalizes the teacher's task.Runner (context
// cancellation, panic recovery with restart, truncate-then-sleep ticking)
// into one runner per tick category so a slow or stuck category never
// delays the others.
package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/overlaynet/overlaynode/engine"
	"github.com/overlaynet/overlaynode/route"
)

// routeSweepInterval is fixed by the spec at one second; every other
// category is configurable.
const routeSweepInterval = time.Second

// Config carries the tick intervals sourced from node configuration.
type Config struct {
	HeartbeatInterval time.Duration
	QueryIDInterval   time.Duration
	STUNRefreshInterval time.Duration
	PunchRetryInterval  time.Duration
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   5 * time.Second,
		QueryIDInterval:     12 * time.Second,
		STUNRefreshInterval: 30 * time.Second,
		PunchRetryInterval:  time.Second,
	}
}

// Scheduler owns one goroutine per tick category.
type Scheduler struct {
	cfg    Config
	routes *route.Table
	engine *engine.Engine
	log    *zap.SugaredLogger
}

// New builds a Scheduler bound to the node's shared RouteTable and Protocol Engine.
func New(cfg Config, routes *route.Table, eng *engine.Engine, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{cfg: cfg, routes: routes, engine: eng, log: log}
}

// Run starts every tick category and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.runTicking(ctx, "heartbeat", s.cfg.HeartbeatInterval, func(now time.Time) {
		s.engine.TickHeartbeat(now)
	})
	go s.runTicking(ctx, "route-sweep", routeSweepInterval, func(now time.Time) {
		lost := s.routes.Sweep(now)
		if len(lost) > 0 {
			s.log.Debugw("route sweep evicted destinations", "count", len(lost))
		}
	})
	go s.runTicking(ctx, "id-query", s.cfg.QueryIDInterval, func(now time.Time) {
		s.engine.TickIDQuery(now)
	})
	go s.runTickingCtx(ctx, "stun-refresh", s.cfg.STUNRefreshInterval, func(ctx context.Context, _ time.Time) {
		s.engine.TickSTUNRefresh(ctx)
	})
	go s.runTicking(ctx, "punch-retry", s.cfg.PunchRetryInterval, func(now time.Time) {
		s.engine.TickPunchRetry(now)
	})
	<-ctx.Done()
}

// runTicking runs fn on a truncated-interval schedule until ctx is done,
// restarting after a panic the way task.Runner does. Missed ticks coalesce:
// if fn overruns one interval, the next tick fires at the following
// boundary rather than queuing a catch-up burst.
func (s *Scheduler) runTicking(ctx context.Context, name string, interval time.Duration, fn func(now time.Time)) {
	s.runTickingCtx(ctx, name, interval, func(_ context.Context, now time.Time) { fn(now) })
}

func (s *Scheduler) runTickingCtx(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context, now time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("maintenance tick panicked", "tick", name, "error", r, "stack", string(debug.Stack()))
			s.log.Infow("restarting maintenance tick", "tick", name)
			time.Sleep(time.Second)
			go s.runTickingCtx(ctx, name, interval, fn)
		}
	}()
	if interval <= 0 {
		interval = time.Second
	}
	for {
		now := time.Now()
		nextTick := now.Truncate(interval).Add(interval)
		select {
		case <-ctx.Done():
			s.log.Debugw("maintenance tick stopping", "tick", name)
			return
		case <-time.After(time.Until(nextTick)):
			fn(ctx, time.Now())
		}
	}
}
