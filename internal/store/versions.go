package store

import (
	"fmt"
	"time"

	"protean/internal/capability"
)

// AppendVersion adds one line to the append-only version ledger.
// Entries are never updated or deleted.
func (s *Store) AppendVersion(v *capability.VersionEntry) error {
	_, err := s.db.Exec(`INSERT INTO capability_versions
		(capability_id, version, artifact_ref, source, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.CapabilityID, v.Version, v.ArtifactRef, string(v.Source),
		v.Reason, v.Timestamp.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to append version for %s: %w", v.CapabilityID, err)
	}
	return nil
}

// History returns the version ledger for a capability, newest first.
// The autoincrement sequence orders entries, not the timestamps, so
// two entries in the same clock tick still read back in insert order.
func (s *Store) History(capabilityID string) ([]*capability.VersionEntry, error) {
	rows, err := s.db.Query(`SELECT capability_id, version, artifact_ref,
		source, reason, timestamp FROM capability_versions
		WHERE capability_id = ? ORDER BY seq DESC`, capabilityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", capabilityID, err)
	}
	defer rows.Close()

	var out []*capability.VersionEntry
	for rows.Next() {
		var (
			v      capability.VersionEntry
			source string
			ts     string
		)
		if err := rows.Scan(&v.CapabilityID, &v.Version, &v.ArtifactRef,
			&source, &v.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan version entry: %w", err)
		}
		v.Source = capability.VersionSource(source)
		if v.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("version entry for %s: %w", capabilityID, err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
