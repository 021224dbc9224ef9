package domain

import (
	"fmt"
	"strings"
)

// ProviderError reports a failed executor call against a provider.
type ProviderError struct {
	Provider ProviderID
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the executor error.
func (e *ProviderError) Unwrap() []error {
	return []error{ErrProviderError, e.Err}
}

// AttemptError is one failed or skipped candidate inside a fallback run.
type AttemptError struct {
	Provider ProviderID
	Err      error
}

// AllProvidersFailedError is returned once a fallback chain is exhausted. It is
// the only error surfaced to callers of the orchestrator.
type AllProvidersFailedError struct {
	Capability Capability
	LastErr    error
	Attempts   []AttemptError
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("all providers failed for %s: no eligible provider", e.Capability)
	}
	return fmt.Sprintf("all providers failed for %s: [%s]", e.Capability, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match both ErrAllProvidersFailed and the last cause.
func (e *AllProvidersFailedError) Unwrap() []error {
	if e.LastErr == nil {
		return []error{ErrAllProvidersFailed}
	}
	return []error{ErrAllProvidersFailed, e.LastErr}
}
