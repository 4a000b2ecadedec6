package vigilance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentland/elile/internal/findings"
	"github.com/tangentland/elile/internal/profile"
	"github.com/tangentland/elile/internal/screening"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureSink) Publish(a Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *captureSink) all() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

func TestPeriods(t *testing.T) {
	assert.Equal(t, time.Duration(0), Period(screening.VigilanceV0))
	assert.Equal(t, 365*24*time.Hour, Period(screening.VigilanceV1))
	assert.Equal(t, 30*24*time.Hour, Period(screening.VigilanceV2))
	assert.Equal(t, 15*24*time.Hour, Period(screening.VigilanceV3))
}

func TestScopes(t *testing.T) {
	assert.Nil(t, Scope(screening.VigilanceV1), "V1 re-runs the full loop")
	v2 := Scope(screening.VigilanceV2)
	assert.ElementsMatch(t, []screening.InfoType{
		screening.InfoCriminal, screening.InfoSanctions, screening.InfoAdverseMedia,
		screening.InfoCivil, screening.InfoRegulatory,
	}, v2)
}

func TestAlertThresholds(t *testing.T) {
	assert.Equal(t, findings.SeverityCritical, AlertThreshold(screening.VigilanceV1))
	assert.Equal(t, findings.SeverityHigh, AlertThreshold(screening.VigilanceV2))
	assert.Equal(t, findings.SeverityMedium, AlertThreshold(screening.VigilanceV3))
}

// monitoringDeltaFixture builds a scheduler whose monitor run appends a
// version carrying the given findings.
func monitoringDeltaFixture(t *testing.T, baselineFindings, newFindings []findings.Finding, v screening.Vigilance) (*Scheduler, *captureSink, profile.Store, ScheduleStore) {
	t.Helper()
	profiles := profile.NewMemoryStore()
	schedules := NewMemoryScheduleStore()
	sink := &captureSink{}
	ctx := context.Background()

	// Seed baseline versions up to v3 so the scenario matches a subject
	// with history.
	for i := 0; i < 3; i++ {
		_, err := profiles.Append(ctx, &profile.Version{
			SubjectID: "sub_1",
			TenantID:  "tenant_a",
			Trigger:   profile.TriggerScreening,
			Findings:  baselineFindings,
		})
		require.NoError(t, err)
	}

	monitor := func(ctx context.Context, sch Schedule, scope []screening.InfoType, trigger profile.Trigger) (*profile.Version, error) {
		return profiles.Append(ctx, &profile.Version{
			SubjectID: sch.SubjectID,
			TenantID:  sch.TenantID,
			Trigger:   trigger,
			Findings:  newFindings,
		})
	}

	s := NewScheduler(schedules, profiles, monitor, sink, nil, time.Minute)
	return s, sink, profiles, schedules
}

func TestMonitoringDeltaTriggersAlert(t *testing.T) {
	newFinding := findings.Finding{
		Category: findings.CategoryRegulatory,
		Severity: findings.SeverityHigh,
		Summary:  "sanctions match: new entry",
	}
	s, sink, _, schedules := monitoringDeltaFixture(t, nil, []findings.Finding{newFinding}, screening.VigilanceV2)
	ctx := context.Background()

	start := time.Now()
	sch := Schedule{
		SubjectID:       "sub_1",
		TenantID:        "tenant_a",
		Vigilance:       screening.VigilanceV2,
		NextCheckAt:     start,
		BaselineVersion: 3,
	}
	require.NoError(t, schedules.Upsert(ctx, sch))
	require.NoError(t, s.RunCheck(ctx, sch, profile.TriggerMonitoring))

	alerts := sink.all()
	require.Len(t, alerts, 1, "V2 threshold HIGH is met by one HIGH delta entry")
	assert.Equal(t, findings.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "tenant_a", alerts[0].TenantID)
	assert.NotEmpty(t, alerts[0].ID)
	require.Len(t, alerts[0].Delta.New, 1)

	// Baseline advanced to the new version, next check moved out 30 days.
	updated, err := schedules.Get(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 4, updated.BaselineVersion)
	assert.WithinDuration(t, start.Add(30*24*time.Hour), updated.NextCheckAt, time.Minute)
}

func TestNoAlertBelowThreshold(t *testing.T) {
	newFinding := findings.Finding{
		Category: findings.CategoryReputation,
		Severity: findings.SeverityMedium,
		Summary:  "adverse media: minor coverage",
	}
	s, sink, _, schedules := monitoringDeltaFixture(t, nil, []findings.Finding{newFinding}, screening.VigilanceV2)
	ctx := context.Background()

	sch := Schedule{SubjectID: "sub_1", TenantID: "tenant_a", Vigilance: screening.VigilanceV2, BaselineVersion: 3}
	require.NoError(t, schedules.Upsert(ctx, sch))
	require.NoError(t, s.RunCheck(ctx, sch, profile.TriggerMonitoring))

	assert.Empty(t, sink.all(), "MEDIUM delta does not clear the V2 HIGH threshold")
}

func TestNoAlertOnIdenticalFindings(t *testing.T) {
	shared := []findings.Finding{{
		Category: findings.CategoryCriminal,
		Severity: findings.SeverityHigh,
		Summary:  "criminal record: felony",
	}}
	s, sink, _, schedules := monitoringDeltaFixture(t, shared, shared, screening.VigilanceV3)
	ctx := context.Background()

	sch := Schedule{SubjectID: "sub_1", Vigilance: screening.VigilanceV3, BaselineVersion: 3}
	require.NoError(t, schedules.Upsert(ctx, sch))
	require.NoError(t, s.RunCheck(ctx, sch, profile.TriggerMonitoring))
	assert.Empty(t, sink.all(), "identical consecutive versions yield no alert")
}

func TestRegisterAndRemove(t *testing.T) {
	schedules := NewMemoryScheduleStore()
	profiles := profile.NewMemoryStore()
	s := NewScheduler(schedules, profiles, nil, nil, nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, "sub_1", "tenant_a", screening.VigilanceV2, 1))
	sch, err := schedules.Get(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sch)
	assert.Equal(t, 1, sch.BaselineVersion)

	// V0 unregisters.
	require.NoError(t, s.Register(ctx, "sub_1", "tenant_a", screening.VigilanceV0, 1))
	sch, err = schedules.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Nil(t, sch)
}

func TestTriggerEventOnlyFiresForV3(t *testing.T) {
	newFinding := findings.Finding{
		Category: findings.CategoryRegulatory,
		Severity: findings.SeverityMedium,
		Summary:  "sanctions match: watchlist echo",
	}
	s, sink, _, schedules := monitoringDeltaFixture(t, nil, []findings.Finding{newFinding}, screening.VigilanceV3)
	ctx := context.Background()

	// Unknown subject: no-op.
	require.NoError(t, s.TriggerEvent(ctx, "sub_unknown"))
	assert.Empty(t, sink.all())

	// V2 subject: event triggers are a V3 feature.
	require.NoError(t, schedules.Upsert(ctx, Schedule{SubjectID: "sub_1", Vigilance: screening.VigilanceV2, BaselineVersion: 3}))
	require.NoError(t, s.TriggerEvent(ctx, "sub_1"))
	assert.Empty(t, sink.all())

	// V3 subject with a MEDIUM delta alert.
	require.NoError(t, schedules.Upsert(ctx, Schedule{SubjectID: "sub_1", Vigilance: screening.VigilanceV3, BaselineVersion: 3}))
	require.NoError(t, s.TriggerEvent(ctx, "sub_1"))
	assert.Len(t, sink.all(), 1)
}

func TestDueSchedules(t *testing.T) {
	schedules := NewMemoryScheduleStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, schedules.Upsert(ctx, Schedule{SubjectID: "due", NextCheckAt: now.Add(-time.Hour)}))
	require.NoError(t, schedules.Upsert(ctx, Schedule{SubjectID: "later", NextCheckAt: now.Add(time.Hour)}))

	due, err := schedules.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].SubjectID)
}
