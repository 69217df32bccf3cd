package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultSweepInterval     = 30 * time.Minute
	DefaultRetentionInterval = time.Hour
)

type SessionSweeper interface {
	Sweep(now time.Time) int
}

type ThrottlePruner interface {
	Prune(now time.Time) int
}

type UsagePurger interface {
	PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionSweep evicts admin sessions past their absolute age.
func SessionSweep(s SessionSweeper, interval time.Duration, logger zerolog.Logger) Job {
	return Job{
		Name:        "session_sweep",
		Interval:    orDefault(interval, DefaultSweepInterval),
		SkipInitial: true,
		Run: func(context.Context) error {
			if n := s.Sweep(time.Now()); n > 0 {
				logger.Info().Int("removed", n).Msg("expired admin sessions swept")
			}
			return nil
		},
	}
}

// LoginThrottlePrune drops lapsed login attempt windows.
func LoginThrottlePrune(p ThrottlePruner, interval time.Duration) Job {
	return Job{
		Name:        "login_throttle_prune",
		Interval:    orDefault(interval, DefaultSweepInterval),
		SkipInitial: true,
		Run: func(context.Context) error {
			p.Prune(time.Now())
			return nil
		},
	}
}

// UsageRetention deletes validation history older than retention.
func UsageRetention(p UsagePurger, retention, interval time.Duration, logger zerolog.Logger) Job {
	return Job{
		Name:     "usage_retention",
		Interval: orDefault(interval, DefaultRetentionInterval),
		Run: func(ctx context.Context) error {
			n, err := p.PurgeUsageBefore(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info().Int64("removed", n).Dur("retention", retention).Msg("usage history purged")
			}
			return nil
		},
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
