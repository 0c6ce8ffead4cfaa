package hostsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/farmsync/internal/adapter"
	"github.com/me/farmsync/pkg/model"
)

// ErrTickLimit is returned when a run hits Config.MaxTicks before every
// item succeeded.
var ErrTickLimit = errors.New("tick limit reached")

// Config holds runner configuration.
type Config struct {
	TickInterval time.Duration
	ReadyPerTick int           // items released per tick; 0 releases all eligible
	MaxTicks     int           // 0 means no limit
	StopTimeout  time.Duration // budget for aborting jobs on cancel
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		ReadyPerTick: 0,
		StopTimeout:  30 * time.Second,
	}
}

// Report summarises one run.
type Report struct {
	Session      string
	Items        int
	Started      int
	Succeeded    int
	Ticks        int
	Groups       int
	Jobs         int
	FramesPushed int
	Cancelled    bool
	Elapsed      time.Duration
	Err          error
}

// Runner drives an adapter from a Host on a single goroutine, like a host
// scheduler's main loop.
type Runner struct {
	host    *Host
	adapter *adapter.Adapter
	config  Config
	logger  *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(host *Host, a *adapter.Adapter, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		host:    host,
		adapter: a,
		config:  cfg,
		logger:  logger.With("component", "runner"),
	}
}

// Run starts session and ticks until every item succeeded, the adapter
// asks to cancel the session, MaxTicks is reached or ctx is done. Remote
// jobs are aborted in every case except success.
func (r *Runner) Run(ctx context.Context, session *model.Session) (Report, error) {
	start := time.Now()
	rep := Report{Session: session.ID, Items: r.host.Items()}
	finish := func(cancel bool, err error) (Report, error) {
		stopErr := r.stop(ctx, cancel)
		rep.Started = r.host.Started()
		rep.Succeeded = r.host.Succeeded()
		for _, g := range r.adapter.Index().Groups() {
			rep.Groups++
			if g.RemoteJobID() != 0 {
				rep.Jobs++
			}
		}
		rep.Cancelled = cancel
		rep.Elapsed = time.Since(start)
		rep.Err = errors.Join(err, stopErr)
		return rep, rep.Err
	}

	interval := r.config.TickInterval
	if interval <= 0 {
		interval = DefaultConfig().TickInterval
	}
	r.adapter.OnSessionStart(session)
	r.logger.Info("simulation started", "session", session.ID, "items", rep.Items, "tick_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("simulation stopping (context cancelled)")
			return finish(true, ctx.Err())
		case <-ticker.C:
		}

		for _, item := range r.host.release(r.config.ReadyPerTick) {
			if err := r.adapter.OnItemReady(item); err != nil {
				return finish(true, fmt.Errorf("item %d ready: %w", item.ID, err))
			}
		}

		res := r.adapter.OnTick(ctx)
		rep.Ticks++
		switch res {
		case model.TickCancelSession:
			return finish(true, r.adapter.LastError())
		case model.TickReady:
			rep.FramesPushed += r.adapter.LastTick().Push.Frames
		}

		if r.host.Done() {
			r.logger.Info("simulation finished", "ticks", rep.Ticks)
			return finish(false, nil)
		}
		if r.config.MaxTicks > 0 && rep.Ticks >= r.config.MaxTicks {
			return finish(true, fmt.Errorf("%w after %d ticks (%d/%d items succeeded)",
				ErrTickLimit, rep.Ticks, r.host.Succeeded(), rep.Items))
		}
	}
}

// stop ends the session. It outlives ctx so jobs can still be aborted
// after a cancellation.
func (r *Runner) stop(ctx context.Context, cancel bool) error {
	timeout := r.config.StopTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().StopTimeout
	}
	stopCtx, done := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer done()
	return r.adapter.OnSessionStop(stopCtx, cancel)
}
