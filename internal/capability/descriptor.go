// Package capability defines the data model shared by the registry,
// provider layer and evolution engine: capability descriptors, their
// lifecycle states and the execution error taxonomy.
package capability

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies what part of the world a capability touches.
type Type string

const (
	TypeHardware Type = "hardware"
	TypeSystem   Type = "system"
	TypeExternal Type = "external"
	TypeInternal Type = "internal"
)

// ProviderKind identifies the execution strategy backing a capability.
// The set is closed; the provider layer matches exhaustively on it.
type ProviderKind string

const (
	KindBuiltIn        ProviderKind = "builtin"
	KindScript         ProviderKind = "script"
	KindDynamicLibrary ProviderKind = "dynlib"
	KindProcess        ProviderKind = "process"
	KindExternalAPI    ProviderKind = "external_api"
)

// Valid reports whether k is one of the known provider kinds.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindBuiltIn, KindScript, KindDynamicLibrary, KindProcess, KindExternalAPI:
		return true
	}
	return false
}

// Privilege is the trust level granted to a capability, totally ordered
// from least to most trusted.
type Privilege int

const (
	PrivilegeReadOnly Privilege = iota
	PrivilegeLimited
	PrivilegeFull
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeReadOnly:
		return "read_only"
	case PrivilegeLimited:
		return "limited"
	case PrivilegeFull:
		return "full"
	default:
		return fmt.Sprintf("privilege(%d)", int(p))
	}
}

// AtLeast reports whether p grants at least the trust of min.
func (p Privilege) AtLeast(min Privilege) bool {
	return p >= min
}

// Status is the lifecycle state of a capability descriptor.
type Status string

const (
	// StatusUnavailable means the capability cannot execute; the
	// descriptor carries the reason in UnavailableReason.
	StatusUnavailable Status = "unavailable"

	// StatusEvolving means an evolution pipeline currently targets
	// this capability id.
	StatusEvolving Status = "evolving"

	// StatusAvailable means the capability is loaded and ready but has
	// not yet executed successfully.
	StatusAvailable Status = "available"

	// StatusActive means the capability has executed successfully at
	// least once.
	StatusActive Status = "active"

	// StatusDeprecated retires a capability. Entries are never deleted.
	StatusDeprecated Status = "deprecated"
)

// CostEstimate carries advisory resource cost hints. All fields optional.
type CostEstimate struct {
	CPUMillis   int64 `json:"cpu_millis,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	EnergyMilli int64 `json:"energy_milli,omitempty"`
	NetworkOps  int64 `json:"network_ops,omitempty"`
}

// Schema loosely describes the structured input or output of a capability.
// It is advisory; only Required is enforced before execution.
type Schema struct {
	Required   []string          `json:"required,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Descriptor is the authoritative description of one capability.
// The id is "category.name" and is unique across the registry.
type Descriptor struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Type              Type              `json:"type"`
	ProviderKind      ProviderKind      `json:"provider_kind"`
	Privilege         Privilege         `json:"privilege"`
	Status            Status            `json:"status"`
	UnavailableReason string            `json:"unavailable_reason,omitempty"`
	InputSchema       *Schema           `json:"input_schema,omitempty"`
	OutputSchema      *Schema           `json:"output_schema,omitempty"`
	Cost              *CostEstimate     `json:"cost,omitempty"`
	Version           string            `json:"version"`
	ArtifactPath      string            `json:"artifact_path,omitempty"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsAvailable reports whether the capability may be executed.
// Holds exactly when Status is Available or Active.
func (d *Descriptor) IsAvailable() bool {
	return d.Status == StatusAvailable || d.Status == StatusActive
}

// Validate checks the structural invariants of a descriptor.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return ErrEmptyID
	}
	if !strings.Contains(d.ID, ".") {
		return fmt.Errorf("%w: %q must be category.name", ErrInvalidID, d.ID)
	}
	if !d.ProviderKind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownProviderKind, d.ProviderKind)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	if d.InputSchema != nil {
		s := *d.InputSchema
		s.Required = append([]string(nil), d.InputSchema.Required...)
		s.Properties = cloneStringMap(d.InputSchema.Properties)
		c.InputSchema = &s
	}
	if d.OutputSchema != nil {
		s := *d.OutputSchema
		s.Required = append([]string(nil), d.OutputSchema.Required...)
		s.Properties = cloneStringMap(d.OutputSchema.Properties)
		c.OutputSchema = &s
	}
	if d.Cost != nil {
		cost := *d.Cost
		c.Cost = &cost
	}
	c.Dependencies = append([]string(nil), d.Dependencies...)
	c.Metadata = cloneStringMap(d.Metadata)
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
