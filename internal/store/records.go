package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"protean/internal/capability"
)

// ErrRecordNotFound is returned when no evolution record has the id.
var ErrRecordNotFound = errors.New("evolution record not found")

// SaveRecord upserts one evolution record. The engine calls this on
// every status transition so a crash mid-pipeline leaves a readable
// trail.
func (s *Store) SaveRecord(r *capability.EvolutionRecord) error {
	feedback, err := marshalNullable(r.FeedbackHistory)
	if err != nil {
		return fmt.Errorf("record %s: %w", r.ID, err)
	}

	_, err = s.db.Exec(`INSERT INTO evolution_records
		(id, capability_id, description, status, provider_kind, attempt,
		 source_code, artifact_path, compile_output, feedback_history,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 capability_id=excluded.capability_id,
		 description=excluded.description, status=excluded.status,
		 provider_kind=excluded.provider_kind, attempt=excluded.attempt,
		 source_code=excluded.source_code,
		 artifact_path=excluded.artifact_path,
		 compile_output=excluded.compile_output,
		 feedback_history=excluded.feedback_history,
		 updated_at=excluded.updated_at`,
		r.ID, r.CapabilityID, r.Description, string(r.Status),
		string(r.ProviderKind), r.Attempt, r.SourceCode, r.ArtifactPath,
		r.CompileOutput, feedback,
		r.CreatedAt.UTC().Format(timeFormat), r.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", r.ID, err)
	}
	return nil
}

// LoadRecords returns all evolution records, oldest first. Order comes
// from the monotonic seq column, never the stored timestamps: RFC3339Nano
// trims trailing fraction zeros, so those strings do not sort
// chronologically. An empty capabilityID loads every record; otherwise
// only the records targeting that capability.
func (s *Store) LoadRecords(capabilityID string) ([]*capability.EvolutionRecord, error) {
	query := `SELECT id, capability_id, description, status, provider_kind,
		attempt, source_code, artifact_path, compile_output,
		feedback_history, created_at, updated_at FROM evolution_records`
	var args []any
	if capabilityID != "" {
		query += ` WHERE capability_id = ?`
		args = append(args, capabilityID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	var out []*capability.EvolutionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadRecord returns one evolution record by id.
func (s *Store) LoadRecord(id string) (*capability.EvolutionRecord, error) {
	rows, err := s.db.Query(`SELECT id, capability_id, description, status,
		provider_kind, attempt, source_code, artifact_path, compile_output,
		feedback_history, created_at, updated_at
		FROM evolution_records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return scanRecord(rows)
}

func scanRecord(rows *sql.Rows) (*capability.EvolutionRecord, error) {
	var (
		r                    capability.EvolutionRecord
		status, kind         string
		feedback             sql.NullString
		createdAt, updatedAt string
	)
	if err := rows.Scan(&r.ID, &r.CapabilityID, &r.Description, &status,
		&kind, &r.Attempt, &r.SourceCode, &r.ArtifactPath, &r.CompileOutput,
		&feedback, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	r.Status = capability.EvolutionStatus(status)
	r.ProviderKind = capability.ProviderKind(kind)
	if err := unmarshalNullable(feedback, &r.FeedbackHistory); err != nil {
		return nil, fmt.Errorf("record %s feedback history: %w", r.ID, err)
	}

	var err error
	if r.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("record %s created_at: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("record %s updated_at: %w", r.ID, err)
	}
	return &r, nil
}
