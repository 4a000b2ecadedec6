package vigilance

import (
	"context"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/tangentland/elile/internal/audit"
	"github.com/tangentland/elile/internal/metrics"
	"github.com/tangentland/elile/internal/profile"
	"github.com/tangentland/elile/internal/screening"
)

// MonitorFunc re-runs the SAR loop for a scheduled subject, restricted to
// the given scope, and returns the appended profile version. The engine
// supplies this.
type MonitorFunc func(ctx context.Context, sch Schedule, scope []screening.InfoType, trigger profile.Trigger) (*profile.Version, error)

// Scheduler wakes on a timer, runs due monitoring checks, computes the
// delta against each subject's baseline version, and raises alerts.
type Scheduler struct {
	store    ScheduleStore
	profiles profile.Store
	monitor  MonitorFunc
	alerts   AlertSink
	audit    *audit.Emitter

	tick  time.Duration
	nowFn func() time.Time
}

// NewScheduler creates a scheduler. tick controls how often due schedules
// are polled.
func NewScheduler(store ScheduleStore, profiles profile.Store, monitor MonitorFunc, alerts AlertSink, sink *audit.Emitter, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		store:    store,
		profiles: profiles,
		monitor:  monitor,
		alerts:   alerts,
		audit:    sink,
		tick:     tick,
		nowFn:    time.Now,
	}
}

// Register enrolls a subject for monitoring after a completed screening.
// V0 removes any existing schedule.
func (s *Scheduler) Register(ctx context.Context, subjectID, tenantID string, v screening.Vigilance, baselineVersion int) error {
	if v == screening.VigilanceV0 || Period(v) == 0 {
		return s.store.Remove(ctx, subjectID)
	}
	return s.store.Upsert(ctx, Schedule{
		SubjectID:       subjectID,
		TenantID:        tenantID,
		Vigilance:       v,
		NextCheckAt:     s.nowFn().UTC().Add(Period(v)),
		BaselineVersion: baselineVersion,
	})
}

// Run polls for due schedules until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	log.Info().Dur("tick", s.tick).Msg("Vigilance scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Vigilance scheduler stopped")
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	due, err := s.store.Due(ctx, s.nowFn())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list due schedules")
		return
	}
	for _, sch := range due {
		if err := s.RunCheck(ctx, sch, profile.TriggerMonitoring); err != nil {
			log.Error().Err(err).Str("subject_id", sch.SubjectID).Msg("Monitoring check failed")
		}
	}
}

// RunCheck executes one monitoring pass for a schedule: re-run the scoped
// SAR loop, diff against the baseline, alert if warranted, and advance
// the schedule's baseline pointer and next check time.
func (s *Scheduler) RunCheck(ctx context.Context, sch Schedule, trigger profile.Trigger) error {
	baseline, err := s.profiles.Get(ctx, sch.SubjectID, sch.BaselineVersion)
	if err != nil {
		return err
	}

	version, err := s.monitor(ctx, sch, Scope(sch.Vigilance), trigger)
	if err != nil {
		return err
	}

	if baseline != nil {
		delta := profile.Diff(baseline, version)
		if !delta.Empty() && delta.MaxSeverity.AtLeast(AlertThreshold(sch.Vigilance)) {
			s.publish(sch, delta)
		}
	}

	sch.BaselineVersion = version.Version
	sch.NextCheckAt = s.nowFn().UTC().Add(Period(sch.Vigilance))
	return s.store.Upsert(ctx, sch)
}

// TriggerEvent runs an immediate out-of-band check for a subject, used by
// V3 event webhooks (sanctions and adverse-media feeds). Unknown subjects
// are ignored.
func (s *Scheduler) TriggerEvent(ctx context.Context, subjectID string) error {
	sch, err := s.store.Get(ctx, subjectID)
	if err != nil {
		return err
	}
	if sch == nil || sch.Vigilance != screening.VigilanceV3 {
		return nil
	}
	return s.RunCheck(ctx, *sch, profile.TriggerMonitoring)
}

func (s *Scheduler) publish(sch Schedule, delta profile.Delta) {
	alert := Alert{
		ID:        ulid.MustNew(ulid.Timestamp(s.nowFn()), rand.New(rand.NewSource(s.nowFn().UnixNano()))).String(),
		SubjectID: sch.SubjectID,
		TenantID:  sch.TenantID,
		Severity:  delta.MaxSeverity,
		Delta:     delta,
		CreatedAt: s.nowFn().UTC(),
	}
	if s.alerts != nil {
		s.alerts.Publish(alert)
	}
	metrics.Get().Alert(string(alert.Severity))
	if s.audit != nil {
		s.audit.Emit(audit.Event{
			Type:      audit.AlertGenerated,
			TenantID:  sch.TenantID,
			SubjectID: sch.SubjectID,
			Detail: map[string]any{
				"alert_id":     alert.ID,
				"severity":     string(alert.Severity),
				"from_version": delta.FromVersion,
				"to_version":   delta.ToVersion,
			},
		})
	}
	log.Info().
		Str("subject_id", sch.SubjectID).
		Str("severity", string(alert.Severity)).
		Str("alert_id", alert.ID).
		Msg("Monitoring alert generated")
}
