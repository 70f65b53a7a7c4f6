package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Tier names for memory_tier. The tier-assignment rule lives in the
// engine; the store only persists and indexes the classification.
const (
	TierActive   = "active"
	TierRecent   = "recent"
	TierArchived = "archived"
	TierExpired  = "expired"
)

// Snapshot is one persisted ContextSnapshot row.
//
// summary/tags/source/metadata/rationale are opaque to the engine: they
// are produced upstream and passed through verbatim. Only the structural
// fields (timestamps, counts, links) ever feed tier or prediction logic.
type Snapshot struct {
	ID         string         `json:"id"`
	Project    string         `json:"project"`
	Summary    string         `json:"summary,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	ActionType string         `json:"action_type,omitempty"`
	Rationale  string         `json:"rationale,omitempty"`

	CausedBy     string   `json:"caused_by,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	MemoryTier   string `json:"memory_tier"`
	LastAccessed *int64 `json:"last_accessed,omitempty"`
	AccessCount  int    `json:"access_count"`

	PredictionScore     *float64 `json:"prediction_score,omitempty"`
	LastPredicted       *int64   `json:"last_predicted,omitempty"`
	PredictedNextAccess *int64   `json:"predicted_next_access,omitempty"`
	PropagationReason   []string `json:"propagation_reason,omitempty"`
}

// LastActivity returns the reference instant for tier classification:
// last_accessed when set, otherwise the creation timestamp.
func (s *Snapshot) LastActivity() int64 {
	if s.LastAccessed != nil && *s.LastAccessed > s.Timestamp {
		return *s.LastAccessed
	}
	return s.Timestamp
}

const snapshotColumns = `id, project, summary, tags, source, metadata, timestamp, action_type, rationale,
	caused_by, dependencies, memory_tier, last_accessed, access_count,
	prediction_score, last_predicted, predicted_next_access, propagation_reason`

// CreateSnapshot inserts a new snapshot row. ID, Project, Timestamp and
// MemoryTier must be set by the caller; the row is insert-only for those.
func (db *DB) CreateSnapshot(s *Snapshot) error {
	_, err := db.Exec(`
		INSERT INTO context_snapshots (id, project, summary, tags, source, metadata, timestamp,
			action_type, rationale, caused_by, dependencies, memory_tier, access_count, propagation_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, 0, '[]')
	`, s.ID, s.Project, s.Summary, encodeStrings(s.Tags), s.Source, encodeMetadata(s.Metadata),
		s.Timestamp, s.ActionType, s.Rationale, s.CausedBy, encodeStrings(s.Dependencies), s.MemoryTier)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns a snapshot by id, or nil if not found.
func (db *DB) GetSnapshot(id string) (*Snapshot, error) {
	row := db.QueryRow(`SELECT `+snapshotColumns+` FROM context_snapshots WHERE id = ?`, id)
	s, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return s, nil
}

// ListSnapshots returns up to limit snapshots ordered by (timestamp, id),
// resuming strictly after the (afterTS, afterID) position. An empty
// project means all projects; afterTS = -1 starts from the beginning.
// The continuation position is the (Timestamp, ID) of the last row
// returned, which stays valid even if that row is deleted later.
func (db *DB) ListSnapshots(project string, afterTS int64, afterID string, limit int) ([]Snapshot, error) {
	rows, err := db.Query(`
		SELECT `+snapshotColumns+`
		FROM context_snapshots
		WHERE (? = '' OR project = ?)
		  AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp, id
		LIMIT ?
	`, project, project, afterTS, afterTS, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// ListByTier returns up to limit snapshots currently classified in the
// given tier, ordered by (timestamp, id) with the same cursor scheme as
// ListSnapshots.
func (db *DB) ListByTier(tier, project string, afterTS int64, afterID string, limit int) ([]Snapshot, error) {
	rows, err := db.Query(`
		SELECT `+snapshotColumns+`
		FROM context_snapshots
		WHERE memory_tier = ?
		  AND (? = '' OR project = ?)
		  AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp, id
		LIMIT ?
	`, tier, project, project, afterTS, afterTS, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list by tier: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// UpdateCausality sets the caused_by link and dependency list. Causal
// fields are normally written once, at or shortly after creation.
func (db *DB) UpdateCausality(id, causedBy string, dependencies []string) error {
	result, err := db.Exec(`
		UPDATE context_snapshots SET caused_by = NULLIF(?, ''), dependencies = ?
		WHERE id = ?
	`, causedBy, encodeStrings(dependencies), id)
	if err != nil {
		return fmt.Errorf("update causality: %w", err)
	}
	return requireRow(result, id)
}

// TouchSnapshot records a qualifying read: last_accessed = now,
// access_count incremented, memory_tier refreshed. The whole update is a
// single atomic statement, so concurrent touches never lose counts.
func (db *DB) TouchSnapshot(id string, now int64, tier string) error {
	result, err := db.Exec(`
		UPDATE context_snapshots
		SET last_accessed = ?, access_count = access_count + 1, memory_tier = ?
		WHERE id = ?
	`, now, tier, id)
	if err != nil {
		return fmt.Errorf("touch snapshot: %w", err)
	}
	return requireRow(result, id)
}

// UpdateTier rewrites memory_tier only. access_count and last_accessed
// are deliberately untouched: sweeps reclassify, reads touch.
func (db *DB) UpdateTier(id, tier string) error {
	result, err := db.Exec("UPDATE context_snapshots SET memory_tier = ? WHERE id = ?", tier, id)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	return requireRow(result, id)
}

// UpdatePrediction writes the derived prediction fields.
func (db *DB) UpdatePrediction(id string, score float64, predictedAt int64, nextAccess *int64, reasons []string) error {
	result, err := db.Exec(`
		UPDATE context_snapshots
		SET prediction_score = ?, last_predicted = ?, predicted_next_access = ?, propagation_reason = ?
		WHERE id = ?
	`, score, predictedAt, nextAccess, encodeStrings(reasons), id)
	if err != nil {
		return fmt.Errorf("update prediction: %w", err)
	}
	return requireRow(result, id)
}

// DeleteSnapshot removes a row. Children keep their caused_by pointer;
// the chain walker resolves the dangle as "ancestor pruned".
func (db *DB) DeleteSnapshot(id string) (bool, error) {
	result, err := db.Exec("DELETE FROM context_snapshots WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete snapshot: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Children returns the snapshots whose caused_by points at id, ordered by
// (timestamp, id). This is the reverse index over the causal forest.
func (db *DB) Children(id string) ([]Snapshot, error) {
	rows, err := db.Query(`
		SELECT `+snapshotColumns+`
		FROM context_snapshots WHERE caused_by = ?
		ORDER BY timestamp, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("children: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// CountChildren returns the number of direct causal descendants of id.
func (db *DB) CountChildren(id string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM context_snapshots WHERE caused_by = ?", id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

// LeastRecentlyUsed returns up to limit snapshots of the given tier
// ordered by last_accessed ascending. Never-accessed rows (NULL) sort
// first, which is what an eviction inspector wants to see.
func (db *DB) LeastRecentlyUsed(tier, project string, limit int) ([]Snapshot, error) {
	rows, err := db.Query(`
		SELECT `+snapshotColumns+`
		FROM context_snapshots
		WHERE memory_tier = ? AND (? = '' OR project = ?)
		ORDER BY last_accessed ASC, timestamp ASC, id ASC
		LIMIT ?
	`, tier, project, project, limit)
	if err != nil {
		return nil, fmt.Errorf("least recently used: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// TopPredicted returns up to limit snapshots ordered by prediction_score
// descending, ties broken by timestamp descending. Rows with no score are
// excluded, not treated as zero.
func (db *DB) TopPredicted(project string, limit int) ([]Snapshot, error) {
	rows, err := db.Query(`
		SELECT `+snapshotColumns+`
		FROM context_snapshots
		WHERE prediction_score IS NOT NULL AND (? = '' OR project = ?)
		ORDER BY prediction_score DESC, timestamp DESC
		LIMIT ?
	`, project, project, limit)
	if err != nil {
		return nil, fmt.Errorf("top predicted: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// MaxAccessCount returns the running maximum access_count for a project,
// used to normalize the access-frequency prediction signal.
func (db *DB) MaxAccessCount(project string) (int, error) {
	var max int
	err := db.QueryRow(`
		SELECT COALESCE(MAX(access_count), 0) FROM context_snapshots
		WHERE (? = '' OR project = ?)
	`, project, project).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max access count: %w", err)
	}
	return max, nil
}

// TierCounts returns the number of snapshots per tier, optionally scoped
// to one project.
func (db *DB) TierCounts(project string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT memory_tier, COUNT(*) FROM context_snapshots
		WHERE (? = '' OR project = ?)
		GROUP BY memory_tier
	`, project, project)
	if err != nil {
		return nil, fmt.Errorf("tier counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, 4)
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		counts[tier] = n
	}
	return counts, rows.Err()
}

// CountSnapshots returns the total snapshot count, optionally scoped to
// one project.
func (db *DB) CountSnapshots(project string) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM context_snapshots WHERE (? = '' OR project = ?)
	`, project, project).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

// requireRow converts a zero-rows-affected update into sql.ErrNoRows so
// the engine can map it onto its NotFound error.
func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanSnapshot(scan func(dest ...any) error) (*Snapshot, error) {
	var s Snapshot
	var summary, source, actionType, rationale, causedBy sql.NullString
	var tags, metadata, dependencies, reasons string
	var lastAccessed, lastPredicted, nextAccess sql.NullInt64
	var score sql.NullFloat64

	err := scan(&s.ID, &s.Project, &summary, &tags, &source, &metadata, &s.Timestamp,
		&actionType, &rationale, &causedBy, &dependencies, &s.MemoryTier,
		&lastAccessed, &s.AccessCount, &score, &lastPredicted, &nextAccess, &reasons)
	if err != nil {
		return nil, err
	}

	s.Summary = summary.String
	s.Source = source.String
	s.ActionType = actionType.String
	s.Rationale = rationale.String
	s.CausedBy = causedBy.String
	s.Tags = decodeStrings(tags)
	s.Metadata = decodeMetadata(metadata)
	s.Dependencies = decodeStrings(dependencies)
	s.PropagationReason = decodeStrings(reasons)
	if lastAccessed.Valid {
		s.LastAccessed = &lastAccessed.Int64
	}
	if score.Valid {
		s.PredictionScore = &score.Float64
	}
	if lastPredicted.Valid {
		s.LastPredicted = &lastPredicted.Int64
	}
	if nextAccess.Valid {
		s.PredictedNextAccess = &nextAccess.Int64
	}
	return &s, nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var snapshots []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, *s)
	}
	return snapshots, rows.Err()
}

// encodeStrings stores an ordered string set as a JSON array column.
func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	return values
}

func encodeMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return "{}"
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMetadata(data string) map[string]any {
	if data == "" || data == "{}" {
		return nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(data), &metadata); err != nil {
		return nil
	}
	return metadata
}
