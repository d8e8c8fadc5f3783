package capability

import "time"

// EvolutionStatus is the pipeline state of one evolution attempt-series.
type EvolutionStatus string

const (
	EvolutionRequested  EvolutionStatus = "requested"
	EvolutionGenerating EvolutionStatus = "generating"
	EvolutionCompiling  EvolutionStatus = "compiling"
	EvolutionValidating EvolutionStatus = "validating"
	EvolutionLoading    EvolutionStatus = "loading"
	EvolutionActive     EvolutionStatus = "active"
	EvolutionFailed     EvolutionStatus = "failed"
)

// Terminal reports whether the pipeline is finished with this record.
func (s EvolutionStatus) Terminal() bool {
	return s == EvolutionActive || s == EvolutionFailed
}

// Feedback is one accumulated diagnostic from a failed pipeline stage,
// fed back into the next generation attempt.
type Feedback struct {
	Attempt  int    `json:"attempt"`
	Stage    string `json:"stage"` // "generate", "compile", "validate"
	Feedback string `json:"feedback"`
}

// EvolutionRecord is the audit trail of one capability request. It is
// append-only apart from status, attempt and feedback growth, and is
// never deleted.
type EvolutionRecord struct {
	ID              string          `json:"id"`
	CapabilityID    string          `json:"capability_id"`
	Description     string          `json:"description"`
	Status          EvolutionStatus `json:"status"`
	ProviderKind    ProviderKind    `json:"provider_kind"`
	Attempt         int             `json:"attempt"`
	SourceCode      string          `json:"source_code,omitempty"`
	ArtifactPath    string          `json:"artifact_path,omitempty"`
	CompileOutput   string          `json:"compile_output,omitempty"`
	FeedbackHistory []Feedback      `json:"feedback_history,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AddFeedback appends a stage diagnostic for the current attempt.
func (r *EvolutionRecord) AddFeedback(stage, feedback string) {
	r.FeedbackHistory = append(r.FeedbackHistory, Feedback{
		Attempt:  r.Attempt,
		Stage:    stage,
		Feedback: feedback,
	})
}

// VersionSource records how an artifact version came to exist.
type VersionSource string

const (
	VersionManual   VersionSource = "manual"
	VersionEvolved  VersionSource = "evolved"
	VersionRollback VersionSource = "rollback"
)

// VersionEntry is one line of the append-only artifact ledger for a
// capability id.
type VersionEntry struct {
	CapabilityID string        `json:"capability_id"`
	Version      string        `json:"version"`
	ArtifactRef  string        `json:"artifact_ref"`
	Source       VersionSource `json:"source"`
	Reason       string        `json:"reason,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}
