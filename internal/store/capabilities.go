package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"protean/internal/capability"
)

const timeFormat = time.RFC3339Nano

// SaveDescriptor upserts one descriptor row. Called on every registry
// mutation; the id is the natural key.
func (s *Store) SaveDescriptor(d *capability.Descriptor) error {
	inputSchema, err := marshalNullable(d.InputSchema)
	if err != nil {
		return fmt.Errorf("descriptor %s: %w", d.ID, err)
	}
	outputSchema, err := marshalNullable(d.OutputSchema)
	if err != nil {
		return fmt.Errorf("descriptor %s: %w", d.ID, err)
	}
	cost, err := marshalNullable(d.Cost)
	if err != nil {
		return fmt.Errorf("descriptor %s: %w", d.ID, err)
	}
	deps, err := marshalNullable(d.Dependencies)
	if err != nil {
		return fmt.Errorf("descriptor %s: %w", d.ID, err)
	}
	meta, err := marshalNullable(d.Metadata)
	if err != nil {
		return fmt.Errorf("descriptor %s: %w", d.ID, err)
	}

	_, err = s.db.Exec(`INSERT INTO capabilities
		(id, name, description, type, provider_kind, privilege, status,
		 unavailable_reason, input_schema, output_schema, cost, version,
		 artifact_path, dependencies, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name, description=excluded.description,
		 type=excluded.type, provider_kind=excluded.provider_kind,
		 privilege=excluded.privilege, status=excluded.status,
		 unavailable_reason=excluded.unavailable_reason,
		 input_schema=excluded.input_schema,
		 output_schema=excluded.output_schema, cost=excluded.cost,
		 version=excluded.version, artifact_path=excluded.artifact_path,
		 dependencies=excluded.dependencies, metadata=excluded.metadata,
		 updated_at=excluded.updated_at`,
		d.ID, d.Name, d.Description, string(d.Type), string(d.ProviderKind),
		int(d.Privilege), string(d.Status), d.UnavailableReason,
		inputSchema, outputSchema, cost, d.Version, d.ArtifactPath,
		deps, meta,
		d.CreatedAt.UTC().Format(timeFormat), d.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save descriptor %s: %w", d.ID, err)
	}
	return nil
}

// LoadDescriptors returns every persisted descriptor, ordered by id.
func (s *Store) LoadDescriptors() ([]*capability.Descriptor, error) {
	rows, err := s.db.Query(`SELECT id, name, description, type,
		provider_kind, privilege, status, unavailable_reason, input_schema,
		output_schema, cost, version, artifact_path, dependencies, metadata,
		created_at, updated_at FROM capabilities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptors: %w", err)
	}
	defer rows.Close()

	var out []*capability.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDescriptor(rows *sql.Rows) (*capability.Descriptor, error) {
	var (
		d                                              capability.Descriptor
		typ, kind, status                              string
		privilege                                      int
		inputSchema, outputSchema, cost, deps, meta    sql.NullString
		createdAt, updatedAt                           string
	)
	if err := rows.Scan(&d.ID, &d.Name, &d.Description, &typ, &kind,
		&privilege, &status, &d.UnavailableReason, &inputSchema,
		&outputSchema, &cost, &d.Version, &d.ArtifactPath, &deps, &meta,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan descriptor: %w", err)
	}

	d.Type = capability.Type(typ)
	d.ProviderKind = capability.ProviderKind(kind)
	d.Privilege = capability.Privilege(privilege)
	d.Status = capability.Status(status)

	if err := unmarshalNullable(inputSchema, &d.InputSchema); err != nil {
		return nil, fmt.Errorf("descriptor %s input schema: %w", d.ID, err)
	}
	if err := unmarshalNullable(outputSchema, &d.OutputSchema); err != nil {
		return nil, fmt.Errorf("descriptor %s output schema: %w", d.ID, err)
	}
	if err := unmarshalNullable(cost, &d.Cost); err != nil {
		return nil, fmt.Errorf("descriptor %s cost: %w", d.ID, err)
	}
	if err := unmarshalNullable(deps, &d.Dependencies); err != nil {
		return nil, fmt.Errorf("descriptor %s dependencies: %w", d.ID, err)
	}
	if err := unmarshalNullable(meta, &d.Metadata); err != nil {
		return nil, fmt.Errorf("descriptor %s metadata: %w", d.ID, err)
	}

	var err error
	if d.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("descriptor %s created_at: %w", d.ID, err)
	}
	if d.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("descriptor %s updated_at: %w", d.ID, err)
	}
	return &d, nil
}

// marshalNullable serializes v to JSON, mapping nil pointers, empty
// slices and empty maps to SQL NULL.
func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *capability.Schema:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *capability.CostEstimate:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []capability.Feedback:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal failed: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(src sql.NullString, dst any) error {
	if !src.Valid {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}
