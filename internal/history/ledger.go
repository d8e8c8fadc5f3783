// Package history keeps the append-only version ledger per capability
// id and implements rollback. A rollback never erases anything: it
// reinstalls a prior artifact and writes one more ledger line saying so.
package history

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"protean/internal/capability"
	"protean/internal/logging"
	"protean/internal/provider"
)

var (
	// ErrNoHistory is returned when a capability has no ledger entries.
	ErrNoHistory = errors.New("no version history")

	// ErrNoPriorVersion is returned when rollback finds nothing older
	// than the current version to return to.
	ErrNoPriorVersion = errors.New("no prior version to roll back to")
)

// Store persists ledger entries.
type Store interface {
	AppendVersion(v *capability.VersionEntry) error
	History(capabilityID string) ([]*capability.VersionEntry, error)
}

// Registry is the slice of the capability registry the ledger needs.
type Registry interface {
	Get(id string) (*capability.Descriptor, error)
	Replace(desc *capability.Descriptor, prov provider.Provider) error
}

// Loader rebuilds a provider handle from a persisted artifact.
type Loader interface {
	LoadProvider(kind capability.ProviderKind, name, artifactRef string) (provider.Provider, error)
}

// Ledger is safe for concurrent use as long as its collaborators are.
type Ledger struct {
	store  Store
	reg    Registry
	loader Loader
	log    *zap.Logger
}

func NewLedger(store Store, reg Registry, loader Loader) *Ledger {
	return &Ledger{
		store:  store,
		reg:    reg,
		loader: loader,
		log:    logging.Named(logging.CategoryHistory),
	}
}

// RecordVersion appends one ledger line. Called on every successful
// artifact load, manual registration and rollback.
func (l *Ledger) RecordVersion(capabilityID, version, artifactRef string, source capability.VersionSource, reason string) error {
	entry := &capability.VersionEntry{
		CapabilityID: capabilityID,
		Version:      version,
		ArtifactRef:  artifactRef,
		Source:       source,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
	if err := l.store.AppendVersion(entry); err != nil {
		return fmt.Errorf("failed to record version %s of %s: %w", version, capabilityID, err)
	}
	l.log.Info("version recorded",
		zap.String("id", capabilityID),
		zap.String("version", version),
		zap.String("source", string(source)))
	return nil
}

// History returns the ledger for a capability, newest entry first.
func (l *Ledger) History(capabilityID string) ([]*capability.VersionEntry, error) {
	return l.store.History(capabilityID)
}

// Rollback reinstalls the most recent version older than the current
// one and appends a rollback entry naming the reason. The current
// artifact stays on disk and in the ledger.
func (l *Ledger) Rollback(capabilityID, reason string) (*capability.VersionEntry, error) {
	hist, err := l.store.History(capabilityID)
	if err != nil {
		return nil, err
	}
	if len(hist) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, capabilityID)
	}

	current := hist[0]
	var prior *capability.VersionEntry
	for _, e := range hist[1:] {
		if e.Version != current.Version {
			prior = e
			break
		}
	}
	if prior == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPriorVersion, capabilityID)
	}

	desc, err := l.reg.Get(capabilityID)
	if err != nil {
		return nil, err
	}

	prov, err := l.loader.LoadProvider(desc.ProviderKind, desc.Name, prior.ArtifactRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load prior artifact %s: %w", prior.ArtifactRef, err)
	}

	desc.Version = prior.Version
	desc.ArtifactPath = prior.ArtifactRef
	desc.Status = capability.StatusAvailable
	desc.UnavailableReason = ""
	if err := l.reg.Replace(desc, prov); err != nil {
		return nil, fmt.Errorf("failed to reinstall version %s of %s: %w", prior.Version, capabilityID, err)
	}

	if err := l.RecordVersion(capabilityID, prior.Version, prior.ArtifactRef, capability.VersionRollback, reason); err != nil {
		return nil, err
	}
	l.log.Info("rolled back",
		zap.String("id", capabilityID),
		zap.String("from", current.Version),
		zap.String("to", prior.Version),
		zap.String("reason", reason))
	return prior, nil
}
