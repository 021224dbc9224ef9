package app

import (
	"log/slog"

	"github.com/fairyhunter13/capability-orchestrator/internal/adapter/executor"
	"github.com/fairyhunter13/capability-orchestrator/internal/config"
	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/orchestrator"
)

// RegisterProviders binds an executor to every ranked (capability, provider)
// pair of cat and a liveness probe to every remote provider. The local
// fallback gets the in-process executor. API keys are read through getenv.
// It returns the number of executors bound.
func RegisterProviders(o *orchestrator.Orchestrator, cat config.Catalog, client *executor.Client, getenv func(string) string) int {
	bound := 0
	probed := make(map[domain.ProviderID]bool)
	for capability, ranking := range cat.Rankings {
		endpoints := make(map[domain.ProviderID]executor.Endpoint)
		for _, ep := range cat.EndpointsFor(capability) {
			endpoints[ep.Provider] = ep
		}
		for _, c := range ranking {
			if c.Provider == cat.LocalFallback {
				o.RegisterExecutor(capability, c.Provider, executor.Local(capability))
				bound++
				continue
			}
			ep, ok := endpoints[c.Provider]
			if !ok {
				slog.Warn("ranked provider has no endpoint",
					slog.String("capability", string(capability)),
					slog.String("provider", string(c.Provider)))
				continue
			}
			var key string
			if ep.APIKeyEnv != "" {
				key = getenv(ep.APIKeyEnv)
				if key == "" {
					slog.Warn("provider api key not set",
						slog.String("provider", string(c.Provider)),
						slog.String("env", ep.APIKeyEnv))
				}
			}
			o.RegisterExecutor(capability, c.Provider, client.Executor(ep, key))
			bound++
			if !probed[c.Provider] {
				o.RegisterProbe(c.Provider, client.Probe(ep))
				probed[c.Provider] = true
			}
		}
	}
	slog.Info("providers registered", slog.Int("executors", bound), slog.Int("probes", len(probed)))
	return bound
}
