package vigilance

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tangentland/elile/internal/screening"
)

// ScheduleStore persists monitoring schedules, one row per subject.
type ScheduleStore interface {
	// Upsert creates or replaces a subject's schedule.
	Upsert(ctx context.Context, s Schedule) error
	// Get returns a subject's schedule, or nil.
	Get(ctx context.Context, subjectID string) (*Schedule, error)
	// Due lists schedules whose next check is at or before now.
	Due(ctx context.Context, now time.Time) ([]Schedule, error)
	// Remove deletes a subject's schedule.
	Remove(ctx context.Context, subjectID string) error
}

// SQLScheduleStore is the sqlite-backed schedule store.
type SQLScheduleStore struct {
	db *sql.DB
}

const scheduleSchema = `
CREATE TABLE IF NOT EXISTS monitoring_schedules (
	subject_id       TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL DEFAULT '',
	vigilance        TEXT NOT NULL,
	next_check_at    INTEGER NOT NULL,
	baseline_version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_check ON monitoring_schedules(next_check_at);
`

// NewSQLScheduleStore opens (or creates) the schedule table at path.
func NewSQLScheduleStore(path string) (*SQLScheduleStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(scheduleSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schedule schema: %w", err)
	}
	return &SQLScheduleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLScheduleStore) Close() error { return s.db.Close() }

// Upsert implements ScheduleStore.
func (s *SQLScheduleStore) Upsert(ctx context.Context, sch Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitoring_schedules (subject_id, tenant_id, vigilance, next_check_at, baseline_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			vigilance = excluded.vigilance,
			next_check_at = excluded.next_check_at,
			baseline_version = excluded.baseline_version`,
		sch.SubjectID, sch.TenantID, string(sch.Vigilance), sch.NextCheckAt.Unix(), sch.BaselineVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

// Get implements ScheduleStore.
func (s *SQLScheduleStore) Get(ctx context.Context, subjectID string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subject_id, tenant_id, vigilance, next_check_at, baseline_version
		FROM monitoring_schedules WHERE subject_id = ?`, subjectID)
	sch, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule: %w", err)
	}
	return sch, nil
}

// Due implements ScheduleStore.
func (s *SQLScheduleStore) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, tenant_id, vigilance, next_check_at, baseline_version
		FROM monitoring_schedules WHERE next_check_at <= ? ORDER BY next_check_at`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, *sch)
	}
	return out, rows.Err()
}

// Remove implements ScheduleStore.
func (s *SQLScheduleStore) Remove(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM monitoring_schedules WHERE subject_id = ?`, subjectID)
	if err != nil {
		return fmt.Errorf("failed to remove schedule: %w", err)
	}
	return nil
}

func scanSchedule(scan func(dest ...any) error) (*Schedule, error) {
	var sch Schedule
	var vig string
	var next int64
	if err := scan(&sch.SubjectID, &sch.TenantID, &vig, &next, &sch.BaselineVersion); err != nil {
		return nil, err
	}
	sch.Vigilance = screening.Vigilance(vig)
	sch.NextCheckAt = time.Unix(next, 0).UTC()
	return &sch, nil
}

// MemoryScheduleStore is an in-memory ScheduleStore for tests.
type MemoryScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]Schedule
}

// NewMemoryScheduleStore creates an empty in-memory store.
func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{schedules: make(map[string]Schedule)}
}

// Upsert implements ScheduleStore.
func (m *MemoryScheduleStore) Upsert(ctx context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.SubjectID] = s
	return nil
}

// Get implements ScheduleStore.
func (m *MemoryScheduleStore) Get(ctx context.Context, subjectID string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[subjectID]; ok {
		cp := s
		return &cp, nil
	}
	return nil, nil
}

// Due implements ScheduleStore.
func (m *MemoryScheduleStore) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		if !s.NextCheckAt.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Remove implements ScheduleStore.
func (m *MemoryScheduleStore) Remove(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, subjectID)
	return nil
}
