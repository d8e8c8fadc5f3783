package evolution

import (
	"fmt"
	"time"

	"protean/internal/capability"
	"protean/internal/provider"
	"protean/internal/sandbox"
)

// ProviderLoader rebuilds a provider handle from a persisted artifact.
// Used both when promoting a freshly evolved artifact and when the
// history ledger reinstalls a prior version.
type ProviderLoader struct {
	sb             *sandbox.Sandbox
	processTimeout time.Duration
}

func NewProviderLoader(sb *sandbox.Sandbox, processTimeout time.Duration) *ProviderLoader {
	return &ProviderLoader{sb: sb, processTimeout: processTimeout}
}

// LoadProvider builds a provider for an artifact on disk. BuiltIn and
// ExternalAPI capabilities have no artifacts and cannot be loaded here.
func (l *ProviderLoader) LoadProvider(kind capability.ProviderKind, name, artifactRef string) (provider.Provider, error) {
	switch kind {
	case capability.KindScript:
		return provider.NewScriptFromFile(l.sb, artifactRef)
	case capability.KindDynamicLibrary:
		return provider.LoadDynamicLibrary(artifactRef)
	case capability.KindProcess:
		return provider.NewProcess(artifactRef, nil, l.processTimeout), nil
	default:
		return nil, fmt.Errorf("%w: %s has no loadable artifact", capability.ErrUnknownProviderKind, kind)
	}
}
