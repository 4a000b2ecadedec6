package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangentland/elile/internal/findings"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := NewSQLStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"sqlite": sqlStore,
		"memory": NewMemoryStore(),
	}
}

func TestVersionsMonotonicWithoutGaps(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				v, err := store.Append(ctx, &Version{SubjectID: "s1", Trigger: TriggerScreening})
				require.NoError(t, err)
				assert.Equal(t, i+1, v.Version)
				assert.Equal(t, i, v.PreviousVersion)
			}

			// Another subject starts at 1 independently.
			v, err := store.Append(ctx, &Version{SubjectID: "s2", Trigger: TriggerScreening})
			require.NoError(t, err)
			assert.Equal(t, 1, v.Version)

			latest, err := store.Latest(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, 5, latest.Version)
		})
	}
}

func TestAppendConcurrentNoGaps(t *testing.T) {
	sqlStore, err := NewSQLStore(":memory:")
	require.NoError(t, err)
	defer sqlStore.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sqlStore.Append(ctx, &Version{SubjectID: "s1", Trigger: TriggerMonitoring})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for v := 1; v <= 10; v++ {
		got, err := sqlStore.Get(ctx, "s1", v)
		require.NoError(t, err)
		require.NotNil(t, got, "version %d missing", v)
		assert.False(t, seen[got.Version])
		seen[got.Version] = true
	}
}

func TestGetAndPayloadRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Append(ctx, &Version{
				SubjectID: "s1",
				TenantID:  "tenant_a",
				Trigger:   TriggerScreening,
				Findings: []findings.Finding{
					{ID: "f1", Category: findings.CategoryCriminal, Severity: findings.SeverityHigh, Summary: "criminal record: felony"},
				},
				DataSourcesUsed: []string{"p1", "p2"},
			})
			require.NoError(t, err)

			got, err := store.Get(ctx, "s1", 1)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "tenant_a", got.TenantID)
			require.Len(t, got.Findings, 1)
			assert.Equal(t, findings.SeverityHigh, got.Findings[0].Severity)
			assert.Equal(t, []string{"p1", "p2"}, got.DataSourcesUsed)

			missing, err := store.Get(ctx, "s1", 99)
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestRelations(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := store.AddRelations(ctx, []Connection{
				{From: "s1", To: "acme", RelationType: "employer", Confidence: 0.8, DiscoveredIn: "scr_1"},
				{From: "s1", To: "acme", RelationType: "affiliated_org", Confidence: 0.6, DiscoveredIn: "scr_1"},
				{From: "s2", To: "other", RelationType: "associate", Confidence: 0.5, DiscoveredIn: "scr_2"},
			})
			require.NoError(t, err)

			rels, err := store.Relations(ctx, "s1")
			require.NoError(t, err)
			// Multiple relation types between the same pair are allowed.
			assert.Len(t, rels, 2)
		})
	}
}

func TestPruneKeepsLatest(t *testing.T) {
	sqlStore, err := NewSQLStore(":memory:")
	require.NoError(t, err)
	defer sqlStore.Close()
	ctx := context.Background()

	old := time.Now().Add(-10 * 365 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := sqlStore.Append(ctx, &Version{SubjectID: "s1", Trigger: TriggerScreening, CreatedAt: old})
		require.NoError(t, err)
	}

	n, err := sqlStore.PruneOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	latest, err := sqlStore.Latest(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3, latest.Version, "latest version survives retention")
}
