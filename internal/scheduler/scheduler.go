// Package scheduler is the Maintenance Scheduler (SPEC_FULL.md §4.7): a
// single process-owned cron instance running the periodic sweeps that
// back up the system's event-triggered paths — the missed-call timer,
// the per-fetch prekey check, mute-rule expiry, and stale device-token
// reaping.
//
// Generalizes the teacher's plugins.PluginScheduler (job-name ->
// cron.EntryID registry wrapping a shared *cron.Cron), collapsed from a
// per-plugin namespace onto a single set of named maintenance jobs.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/logger"
	"github.com/umbra-msg/umbra-core/internal/models"
	"github.com/umbra-msg/umbra-core/internal/push"
)

// staleDeviceTokenWindow is how long a device token may go without a
// successful push before the reaper deactivates it (SPEC_FULL.md §4.7).
const staleDeviceTokenWindow = 60 * 24 * time.Hour

// maxJitter bounds the random delay added before each job body runs, so
// that several API replicas running the same schedule don't all hit the
// database in the same instant.
const maxJitter = 10 * time.Second

// Scheduler owns the maintenance jobs and their cron registrations.
type Scheduler struct {
	cron     *cron.Cron
	calls    *db.CallDB
	keys     *db.KeyDB
	security *db.SecurityDB
	devices  *db.DeviceDB
	push     *push.Dispatcher

	jobIDs map[string]cron.EntryID
}

func New(calls *db.CallDB, keys *db.KeyDB, security *db.SecurityDB, devices *db.DeviceDB, dispatcher *push.Dispatcher) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		calls:    calls,
		keys:     keys,
		security: security,
		devices:  devices,
		push:     dispatcher,
		jobIDs:   make(map[string]cron.EntryID),
	}
}

type job struct {
	name string
	expr string
	fn   func()
}

// Start registers every maintenance job and starts the cron goroutine.
// Returns the first registration error encountered, if any.
func (s *Scheduler) Start() error {
	jobs := []job{
		{"missed-call-sweep", "* * * * *", s.sweepMissedCalls},
		{"prekey-exhaustion-recheck", "*/15 * * * *", s.recheckPrekeyExhaustion},
		{"mute-rule-expiry", "*/5 * * * *", s.expireMuteRules},
		{"stale-device-token-reap", "0 3 * * *", s.reapStaleDeviceTokens},
		{"throttle-cache-cleanup", "*/10 * * * *", s.pruneThrottleCache},
	}

	for _, j := range jobs {
		id, err := s.cron.AddFunc(j.expr, s.wrap(j.name, j.fn))
		if err != nil {
			return err
		}
		s.jobIDs[j.name] = id
	}

	s.cron.Start()
	logger.Scheduler().Info().Int("jobs", len(s.jobIDs)).Msg("maintenance scheduler started")
	return nil
}

// Stop drains running jobs and stops the cron goroutine.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// IsScheduled reports whether a maintenance job is registered.
func (s *Scheduler) IsScheduled(name string) bool {
	_, ok := s.jobIDs[name]
	return ok
}

// wrap adds jitter and panic recovery around a job body, matching the
// teacher's PluginScheduler.Schedule wrapping, adapted to zerolog.
func (s *Scheduler) wrap(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Scheduler().Error().Str("job", name).Interface("panic", r).Msg("maintenance job panicked")
			}
		}()

		jitter := time.Duration(rand.Int63n(int64(maxJitter)))
		time.Sleep(jitter)

		logger.Scheduler().Debug().Str("job", name).Msg("running maintenance job")
		fn()
	}
}

// sweepMissedCalls is the crash-recovery backstop for callsignaling's
// per-call time.AfterFunc: any call still "ringing" past the auto-missed
// window gets transitioned even if the owning process restarted
// (SPEC_FULL.md §4.7).
func (s *Scheduler) sweepMissedCalls() {
	ctx := context.Background()
	cutoff := time.Now().Add(-models.AutoMissedTimeout)

	calls, err := s.calls.ListRingingOlderThan(ctx, cutoff)
	if err != nil {
		logger.Scheduler().Error().Err(err).Msg("missed-call sweep: list failed")
		return
	}

	for _, c := range calls {
		ok, err := s.calls.TransitionStatus(ctx, c.ID, models.CallMissed, []string{models.CallRinging})
		if err != nil {
			logger.Scheduler().Error().Err(err).Str("call_id", c.ID).Msg("missed-call sweep: transition failed")
			continue
		}
		if ok {
			logger.Scheduler().Info().Str("call_id", c.ID).Msg("missed-call sweep: marked missed")
		}
	}
}

// recheckPrekeyExhaustion re-emits the low-prekey SecurityAlert for any
// user whose supply ran out between fetches (the Key Service already
// checks on every fetch; this catches users nobody has fetched for).
func (s *Scheduler) recheckPrekeyExhaustion() {
	ctx := context.Background()

	owners, err := s.keys.ListExhaustedPrekeyOwners(ctx)
	if err != nil {
		logger.Scheduler().Error().Err(err).Msg("prekey recheck: list failed")
		return
	}

	for _, userID := range owners {
		if err := s.security.Emit(ctx, userID, "prekey_exhaustion", "high", map[string]interface{}{}); err != nil {
			logger.Scheduler().Error().Err(err).Int64("user_id", userID).Msg("prekey recheck: alert emit failed")
		}
	}
}

func (s *Scheduler) expireMuteRules() {
	ctx := context.Background()

	n, err := s.devices.DeleteExpiredMuteRules(ctx, time.Now())
	if err != nil {
		logger.Scheduler().Error().Err(err).Msg("mute-rule expiry failed")
		return
	}
	if n > 0 {
		logger.Scheduler().Info().Int64("count", n).Msg("expired mute rules removed")
	}
}

func (s *Scheduler) reapStaleDeviceTokens() {
	ctx := context.Background()

	n, err := s.devices.DeactivateStaleTokens(ctx, time.Now().Add(-staleDeviceTokenWindow))
	if err != nil {
		logger.Scheduler().Error().Err(err).Msg("stale device token reap failed")
		return
	}
	if n > 0 {
		logger.Scheduler().Info().Int64("count", n).Msg("stale device tokens deactivated")
	}
}

func (s *Scheduler) pruneThrottleCache() {
	if s.push == nil {
		return
	}
	s.push.PruneThrottle()
}
