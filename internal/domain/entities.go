// Package domain holds the provider and capability model shared by every
// orchestration component, together with the ports (store, executors, event
// sinks) the components depend on.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrRateLimited        = errors.New("rate limited")
	ErrThrottled          = errors.New("throttled")
	ErrTimeout            = errors.New("timeout")
	ErrProviderError      = errors.New("provider error")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrQueueCleared       = errors.New("queue cleared")
)

// ProviderID identifies an external capability provider. Providers are defined
// by the catalog and never created at runtime.
type ProviderID string

// Known providers shipped in the default catalog.
const (
	ProviderVideoAvatarA  ProviderID = "video-avatar-a"
	ProviderVideoAvatarB  ProviderID = "video-avatar-b"
	ProviderTTSA          ProviderID = "tts-a"
	ProviderTTSB          ProviderID = "tts-b"
	ProviderSTTA          ProviderID = "stt-a"
	ProviderLLMA          ProviderID = "llm-a"
	ProviderLocalFallback ProviderID = "local-fallback"
)

// Capability is the kind of output requested from a provider.
type Capability string

// Capabilities handled by the orchestrator.
const (
	CapabilityVideo        Capability = "video"
	CapabilityTTS          Capability = "tts"
	CapabilitySTT          Capability = "stt"
	CapabilityConversation Capability = "conversation"
)

// Priority orders queued work. Higher values are admitted first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps the wire names back to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, ErrInvalidArgument
	}
}

// PlanTier selects the rate limit table used for a provider.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanPremium PlanTier = "premium"
)

// QualityTier is the output quality selected by adaptive quality.
type QualityTier string

const (
	QualityHigh   QualityTier = "high"
	QualityMedium QualityTier = "medium"
	QualityLow    QualityTier = "low"
)

// AnonymousIdentity is the behavior bucket used when a caller has no identity.
const AnonymousIdentity = "anonymous"

// Executor performs one capability call against one provider. The payload and
// result are opaque to the orchestrator.
type Executor func(ctx context.Context, payload any) (any, error)

// Prober performs a near-free liveness check against a provider.
type Prober func(ctx context.Context) error

// MediaOutput is the result shape of cacheable capabilities. Executors for
// video and speech return it so successful outputs can be cached.
type MediaOutput struct {
	VideoRef string `json:"video_ref,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Store is the key-value persistence port. Load returns ErrNotFound when the
// key has never been saved.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Clock is the single time source used by every component.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
