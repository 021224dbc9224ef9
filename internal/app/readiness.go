package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/httpserver"
)

// BuildReadinessChecks returns the /readyz checks: the state store always,
// the event sink when one is configured.
func BuildReadinessChecks(store, events Pinger) []httpserver.ReadinessCheck {
	checks := []httpserver.ReadinessCheck{{
		Name: "store",
		Check: func(ctx context.Context) error {
			if store == nil {
				return fmt.Errorf("store not configured")
			}
			return store.Ping(ctx)
		},
	}}
	if events != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "events", Check: events.Ping})
	}
	return checks
}
