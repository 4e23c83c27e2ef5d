package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Job names registered by RegisterEngine.
const (
	JobDispatchDue   = "dispatch-due"
	JobReplayOffline = "replay-offline"
	JobSweepCache    = "sweep-cache"
)

// Ticks holds the engine schedules. Empty fields use the defaults.
type Ticks struct {
	DispatchDue   string `json:"dispatch_due" yaml:"dispatch_due"`
	ReplayOffline string `json:"replay_offline" yaml:"replay_offline"`
	SweepCache    string `json:"sweep_cache" yaml:"sweep_cache"`
}

// DefaultTicks are the engine schedules used when none are configured.
var DefaultTicks = Ticks{
	DispatchDue:   "@every 10s",
	ReplayOffline: "@every 30s",
	SweepCache:    "@every 1m",
}

// Dispatcher is the outbound side driven by the ticks.
type Dispatcher interface {
	DispatchDue(ctx context.Context, now time.Time) (int, error)
	ReplayOffline(ctx context.Context, channelID string) (int, error)
}

// Channels lists the registered channel ids.
type Channels interface {
	List() []string
}

// Sweeper reports lookup cache entries dropped since the last tick.
type Sweeper interface {
	Sweep() int
}

// RegisterEngine adds the scheduled-delivery, offline-replay and cache-sweep jobs.
func (s *Scheduler) RegisterEngine(d Dispatcher, channels Channels, cache Sweeper, ticks Ticks) error {
	if ticks.DispatchDue == "" {
		ticks.DispatchDue = DefaultTicks.DispatchDue
	}
	if ticks.ReplayOffline == "" {
		ticks.ReplayOffline = DefaultTicks.ReplayOffline
	}
	if ticks.SweepCache == "" {
		ticks.SweepCache = DefaultTicks.SweepCache
	}

	err := s.AddJob(JobDispatchDue, ticks.DispatchDue, func(ctx context.Context) error {
		n, err := d.DispatchDue(ctx, time.Now())
		if n > 0 {
			s.logger.Info("scheduled messages processed", "count", n)
		}
		return err
	})
	if err != nil {
		return err
	}

	err = s.AddJob(JobReplayOffline, ticks.ReplayOffline, func(ctx context.Context) error {
		for _, id := range channels.List() {
			n, err := d.ReplayOffline(ctx, id)
			switch {
			case errors.Is(err, protocol.ErrSessionUnavailable):
				s.logger.Debug("offline replay waiting for session", "channel", id, "sent", n)
			case err != nil:
				s.logger.Warn("offline replay failed", "channel", id, "sent", n, "error", err)
			case n > 0:
				s.logger.Info("offline messages replayed", "channel", id, "count", n)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.AddJob(JobSweepCache, ticks.SweepCache, func(context.Context) error {
		if n := cache.Sweep(); n > 0 {
			s.logger.Debug("lookup cache entries dropped", "count", n)
		}
		return nil
	})
}
