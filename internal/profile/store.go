package profile

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

// Store persists profile versions and entity relations.
type Store interface {
	// Append writes v as the subject's next version. The store assigns
	// Version = latest+1 and returns the stored value.
	Append(ctx context.Context, v *Version) (*Version, error)
	// Latest returns the newest version for a subject, or nil.
	Latest(ctx context.Context, subjectID string) (*Version, error)
	// Get returns one specific version, or nil.
	Get(ctx context.Context, subjectID string, version int) (*Version, error)
	// AddRelations records discovered entity relations.
	AddRelations(ctx context.Context, relations []Connection) error
	// Relations lists the relations originating from an entity.
	Relations(ctx context.Context, from string) ([]Connection, error)
}

// SQLStore is the sqlite-backed profile store.
type SQLStore struct {
	db *sql.DB
	mu sync.Mutex // serialises Append's read-increment-write per process
}

const profileSchema = `
CREATE TABLE IF NOT EXISTS profile_versions (
	subject_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	tenant_id  TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	trigger_   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (subject_id, version)
);
CREATE TABLE IF NOT EXISTS entity_relations (
	from_id       TEXT NOT NULL,
	to_id         TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	confidence    REAL NOT NULL,
	discovered_in TEXT NOT NULL,
	PRIMARY KEY (from_id, to_id, relation_type)
);
`

// NewSQLStore opens (or creates) the profile database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(profileSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init profile schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Append implements Store. Versions are assigned inside a transaction so
// the per-subject sequence has no gaps.
func (s *SQLStore) Append(ctx context.Context, v *Version) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM profile_versions WHERE subject_id = ?`, v.SubjectID,
	).Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}

	stored := *v
	stored.PreviousVersion = int(latest.Int64)
	stored.Version = int(latest.Int64) + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profile_versions (subject_id, version, tenant_id, created_at, trigger_, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		stored.SubjectID, stored.Version, stored.TenantID, stored.CreatedAt.Unix(), string(stored.Trigger), string(payload),
	); err != nil {
		return nil, fmt.Errorf("failed to append version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}

	log.Debug().
		Str("subject_id", stored.SubjectID).
		Int("version", stored.Version).
		Str("trigger", string(stored.Trigger)).
		Msg("Appended profile version")
	return &stored, nil
}

// Latest implements Store.
func (s *SQLStore) Latest(ctx context.Context, subjectID string) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM profile_versions WHERE subject_id = ?
		ORDER BY version DESC LIMIT 1`, subjectID)
	return scanVersion(row)
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, subjectID string, version int) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM profile_versions WHERE subject_id = ? AND version = ?`,
		subjectID, version)
	return scanVersion(row)
}

func scanVersion(row *sql.Row) (*Version, error) {
	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	var v Version
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, fmt.Errorf("profile row corrupt: %w", err)
	}
	return &v, nil
}

// AddRelations implements Store. Re-discovered relations update
// confidence rather than duplicating rows.
func (s *SQLStore) AddRelations(ctx context.Context, relations []Connection) error {
	for _, r := range relations {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO entity_relations (from_id, to_id, relation_type, confidence, discovered_in)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(from_id, to_id, relation_type)
			DO UPDATE SET confidence = MAX(confidence, excluded.confidence)`,
			r.From, r.To, r.RelationType, r.Confidence, r.DiscoveredIn,
		); err != nil {
			return fmt.Errorf("failed to add relation: %w", err)
		}
	}
	return nil
}

// Relations implements Store.
func (s *SQLStore) Relations(ctx context.Context, from string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, relation_type, confidence, discovered_in
		FROM entity_relations WHERE from_id = ? ORDER BY to_id, relation_type`, from)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.From, &c.To, &c.RelationType, &c.Confidence, &c.DiscoveredIn); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneOlderThan removes versions created before the cutoff, always
// keeping each subject's latest version.
func (s *SQLStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM profile_versions
		WHERE created_at < ?
		  AND version < (SELECT MAX(version) FROM profile_versions pv
		                 WHERE pv.subject_id = profile_versions.subject_id)`,
		cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune versions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu        sync.Mutex
	versions  map[string][]*Version
	relations []Connection
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]*Version)}
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, v *Version) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *v
	existing := m.versions[v.SubjectID]
	stored.PreviousVersion = len(existing)
	stored.Version = len(existing) + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.versions[v.SubjectID] = append(existing, &stored)
	return &stored, nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(ctx context.Context, subjectID string) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[subjectID]
	if len(vs) == 0 {
		return nil, nil
	}
	cp := *vs[len(vs)-1]
	return &cp, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, subjectID string, version int) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[subjectID] {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

// AddRelations implements Store.
func (m *MemoryStore) AddRelations(ctx context.Context, relations []Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relations = append(m.relations, relations...)
	return nil
}

// Relations implements Store.
func (m *MemoryStore) Relations(ctx context.Context, from string) ([]Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Connection
	for _, r := range m.relations {
		if r.From == from {
			out = append(out, r)
		}
	}
	return out, nil
}
