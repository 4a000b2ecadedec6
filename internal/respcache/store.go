package respcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store persists cached responses in sqlite and serialises concurrent
// builds of the same cache key. Readers never block on writers; a caller
// about to dispatch a live query holds the key's build lock and re-checks
// the cache before dispatching, so concurrent callers for the same key
// coalesce onto one provider call.
type Store struct {
	db *sql.DB

	buildMu sync.Mutex
	builds  map[string]*buildLock

	nowFn func() time.Time
}

type buildLock struct {
	mu   sync.Mutex
	refs int
}

const schema = `
CREATE TABLE IF NOT EXISTS cached_responses (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id    TEXT NOT NULL,
	check_type    TEXT NOT NULL,
	provider_id   TEXT NOT NULL,
	origin        TEXT NOT NULL,
	tenant_id     TEXT NOT NULL DEFAULT '',
	acquired_at   INTEGER NOT NULL,
	fresh_until   INTEGER NOT NULL,
	stale_until   INTEGER NOT NULL,
	normalized    TEXT NOT NULL,
	raw_encrypted BLOB,
	cost          REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cached_subject_check ON cached_responses(subject_id, check_type);
CREATE INDEX IF NOT EXISTS idx_cached_fresh_until ON cached_responses(fresh_until);
`

// NewStore opens (or creates) the cache database at path. Use ":memory:"
// for tests.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}
	// modernc sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init cache schema: %w", err)
	}
	return &Store{
		db:     db,
		builds: make(map[string]*buildLock),
		nowFn:  time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func cacheKey(subjectID, checkType, providerID string) string {
	return subjectID + "\x00" + checkType + "\x00" + providerID
}

// Lookup returns the most recent cached response for the key visible to
// tenantID, or nil. Customer-provided rows are returned only to their
// owning tenant.
func (s *Store) Lookup(ctx context.Context, subjectID, checkType, providerID, tenantID string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT origin, tenant_id, acquired_at, fresh_until, stale_until, normalized, raw_encrypted, cost
		FROM cached_responses
		WHERE subject_id = ? AND check_type = ? AND provider_id = ?
		  AND (origin = ? OR tenant_id = ?)
		ORDER BY acquired_at DESC LIMIT 1`,
		subjectID, checkType, providerID, string(OriginPaidExternal), tenantID)
	return s.scanOne(row, subjectID, checkType, providerID)
}

// LookupAny returns the most recent visible cached response for the
// subject and check type from any provider.
func (s *Store) LookupAny(ctx context.Context, subjectID, checkType, tenantID string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT origin, tenant_id, acquired_at, fresh_until, stale_until, normalized, raw_encrypted, cost, provider_id
		FROM cached_responses
		WHERE subject_id = ? AND check_type = ?
		  AND (origin = ? OR tenant_id = ?)
		ORDER BY acquired_at DESC LIMIT 1`,
		subjectID, checkType, string(OriginPaidExternal), tenantID)

	c := &CachedResponse{SubjectID: subjectID, CheckType: checkType}
	var acquired, freshUntil, staleUntil int64
	var normalized string
	err := row.Scan(&c.Origin, &c.TenantID, &acquired, &freshUntil, &staleUntil, &normalized, &c.RawEncrypted, &c.Cost, &c.ProviderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	c.AcquiredAt = time.Unix(acquired, 0).UTC()
	c.FreshUntil = time.Unix(freshUntil, 0).UTC()
	c.StaleUntil = time.Unix(staleUntil, 0).UTC()
	if err := json.Unmarshal([]byte(normalized), &c.Normalized); err != nil {
		return nil, fmt.Errorf("cache row corrupt: %w", err)
	}
	return c, nil
}

func (s *Store) scanOne(row *sql.Row, subjectID, checkType, providerID string) (*CachedResponse, error) {
	c := &CachedResponse{SubjectID: subjectID, CheckType: checkType, ProviderID: providerID}
	var acquired, freshUntil, staleUntil int64
	var normalized string
	err := row.Scan(&c.Origin, &c.TenantID, &acquired, &freshUntil, &staleUntil, &normalized, &c.RawEncrypted, &c.Cost)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	c.AcquiredAt = time.Unix(acquired, 0).UTC()
	c.FreshUntil = time.Unix(freshUntil, 0).UTC()
	c.StaleUntil = time.Unix(staleUntil, 0).UTC()
	if err := json.Unmarshal([]byte(normalized), &c.Normalized); err != nil {
		return nil, fmt.Errorf("cache row corrupt: %w", err)
	}
	return c, nil
}

// Put stores a response. TTL windows are derived from the check type when
// FreshUntil/StaleUntil are zero.
func (s *Store) Put(ctx context.Context, c *CachedResponse) error {
	if c.AcquiredAt.IsZero() {
		c.AcquiredAt = s.nowFn().UTC()
	}
	if c.FreshUntil.IsZero() || c.StaleUntil.IsZero() {
		ttl := TTLFor(c.CheckType)
		c.FreshUntil = c.AcquiredAt.Add(ttl.Fresh)
		c.StaleUntil = c.AcquiredAt.Add(ttl.Stale)
	}
	normalized, err := json.Marshal(c.Normalized)
	if err != nil {
		return fmt.Errorf("failed to marshal normalized records: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cached_responses
			(subject_id, check_type, provider_id, origin, tenant_id, acquired_at, fresh_until, stale_until, normalized, raw_encrypted, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SubjectID, c.CheckType, c.ProviderID, string(c.Origin), c.TenantID,
		c.AcquiredAt.Unix(), c.FreshUntil.Unix(), c.StaleUntil.Unix(),
		string(normalized), c.RawEncrypted, c.Cost)
	if err != nil {
		return fmt.Errorf("failed to store cached response: %w", err)
	}
	return nil
}

// LockBuild acquires the per-key build lock, blocking while another
// caller is filling the same slot. The returned function releases it.
func (s *Store) LockBuild(subjectID, checkType, providerID string) func() {
	key := cacheKey(subjectID, checkType, providerID)

	s.buildMu.Lock()
	bl := s.builds[key]
	if bl == nil {
		bl = &buildLock{}
		s.builds[key] = bl
	}
	bl.refs++
	s.buildMu.Unlock()

	bl.mu.Lock()

	return func() {
		bl.mu.Unlock()
		s.buildMu.Lock()
		bl.refs--
		if bl.refs == 0 {
			delete(s.builds, key)
		}
		s.buildMu.Unlock()
	}
}

// PruneExpired removes rows whose stale window ended before the cutoff.
func (s *Store) PruneExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_responses WHERE stale_until < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug().Int64("rows", n).Msg("Pruned expired cached responses")
	}
	return n, nil
}
