// Package scheduler implements the Auto-Logout Scheduler: a
// robfig/cron-driven daily trigger, computed against a fixed regulatory
// time zone regardless of the host's local zone, that revokes the active
// broker session with a warning ladder leading up to it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/custodian"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/settings"
)

// regulatoryZone is the fixed time zone the daily logout is computed
// against, independent of the host's configured local zone.
var regulatoryZone = mustLoadLocation("Asia/Kolkata")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, 5*3600+1800) // IST: UTC+5:30 fallback if tzdata is unavailable
	}
	return loc
}

// Scheduler owns the cron runtime backing the daily auto-logout and its
// warning ladder. Settings changes take effect on the next Reschedule.
type Scheduler struct {
	cron       *cron.Cron
	settings   *settings.Repository
	custodian  *custodian.Custodian
	registry   *broker.Registry
	bus        *events.Bus
	log        zerolog.Logger

	mu      sync.Mutex
	entryIDs []cron.EntryID
}

// New builds a Scheduler. Call Start to begin running it, and Reschedule
// whenever AutoLogoutConfig changes.
func New(settingsRepo *settings.Repository, cust *custodian.Custodian, registry *broker.Registry, bus *events.Bus, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(regulatoryZone)),
		settings:  settingsRepo,
		custodian: cust,
		registry:  registry,
		bus:       bus,
		log:       log.With().Str("component", "auto_logout_scheduler").Logger(),
	}
}

// Start loads the current AutoLogoutConfig, registers its cron entries,
// and starts the cron runtime.
func (s *Scheduler) Start() error {
	if err := s.Reschedule(); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Msg("auto-logout scheduler started")
	return nil
}

// RegisterJob adds an arbitrary daily-schedule job (e.g. the sandbox
// reset) to the same cron runtime the auto-logout ladder uses, so the
// process owns a single cron instance rather than one per background
// task. The job is not cleared by Reschedule; callers needing to change
// its schedule at runtime should track the returned EntryID themselves.
func (s *Scheduler) RegisterJob(cronExpr string, name string, fn func()) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(cronExpr, func() {
		s.log.Debug().Str("job", name).Msg("running scheduled job")
		fn()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Stop cancels all pending entries and waits for any in-flight job to
// finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("auto-logout scheduler stopped")
}

// Reschedule clears every registered entry and re-derives the warning
// ladder and logout trigger from the current AutoLogoutConfig. Safe to
// call at any time, including while the cron runtime is running.
func (s *Scheduler) Reschedule() error {
	cfg, err := s.settings.Get()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entryIDs {
		s.cron.Remove(id)
	}
	s.entryIDs = nil

	if !cfg.AutoLogout.Enabled {
		s.log.Info().Msg("auto-logout disabled, no entries scheduled")
		return nil
	}

	hour, minute := cfg.AutoLogout.Hour, cfg.AutoLogout.Minute
	for _, lead := range cfg.AutoLogout.Warnings {
		warnHour, warnMinute := shiftEarlier(hour, minute, lead)
		leadCopy := lead
		id, err := s.cron.AddFunc(dailyCronExpr(warnHour, warnMinute), func() {
			s.fireWarning(leadCopy)
		})
		if err != nil {
			return err
		}
		s.entryIDs = append(s.entryIDs, id)
	}

	logoutID, err := s.cron.AddFunc(dailyCronExpr(hour, minute), func() {
		s.fireLogout()
	})
	if err != nil {
		return err
	}
	s.entryIDs = append(s.entryIDs, logoutID)

	s.log.Info().Int("hour", hour).Int("minute", minute).Ints("warnings", cfg.AutoLogout.Warnings).Msg("auto-logout entries scheduled")
	return nil
}

func (s *Scheduler) fireWarning(leadMinutes int) {
	brokerID := ""
	if session, err := s.custodian.LoadActiveSession(); err == nil && session != nil {
		brokerID = session.BrokerID
	}
	s.log.Info().Int("lead_minutes", leadMinutes).Msg("publishing auto-logout warning")
	s.bus.Publish(&events.AutoLogoutWarningData{
		BrokerID:         brokerID,
		MinutesRemaining: leadMinutes,
	})
}

// fireLogout runs the three auto-logout steps in the order the ladder
// guarantees: the auto_logout event is emitted before the session is
// revoked, and the revoke happens before the best-effort upstream
// logout, so a slow or hanging upstream call can never delay the local
// event the UI waits on.
func (s *Scheduler) fireLogout() {
	s.log.Info().Msg("auto-logout triggered")

	session, err := s.custodian.LoadActiveSession()
	if err != nil {
		s.log.Warn().Err(err).Msg("could not load active session before auto-logout")
	}

	brokerID := ""
	if session != nil {
		brokerID = session.BrokerID
	}

	s.bus.Publish(&events.AutoLogoutData{BrokerID: brokerID, Reason: "scheduled"})

	if err := s.custodian.Revoke(); err != nil {
		s.log.Error().Err(err).Msg("failed to revoke broker session on auto-logout")
		return
	}

	if session != nil {
		s.bestEffortUpstreamLogout(session)
	}
}

// bestEffortUpstreamLogout asks the broker to invalidate the auth token
// upstream, bounded to a short deadline. Failure here never blocks the
// local revoke: the custodian clearing its row is what actually matters.
func (s *Scheduler) bestEffortUpstreamLogout(session *custodian.Session) {
	adapter, ok := s.registry.Get(session.BrokerID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := adapter.Logout(ctx, session.AuthToken); err != nil {
		s.log.Warn().Err(err).Str("broker_id", session.BrokerID).Msg("upstream logout failed, proceeding with local revoke")
	}
}

// dailyCronExpr builds a seconds-precision daily cron expression for
// hour:minute in the scheduler's configured location.
func dailyCronExpr(hour, minute int) string {
	return fmt.Sprintf("0 %d %d * * *", minute, hour)
}

// shiftEarlier subtracts leadMinutes from hour:minute, wrapping within a
// single day. Auto-logout times near midnight combined with a long lead
// time would need date-aware handling this scheduler does not attempt;
// warning leads are expected to stay well under an hour.
func shiftEarlier(hour, minute, leadMinutes int) (int, int) {
	total := hour*60 + minute - leadMinutes
	for total < 0 {
		total += 24 * 60
	}
	total %= 24 * 60
	return total / 60, total % 60
}
