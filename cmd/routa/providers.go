package main

import (
	"github.com/routa-dev/routa/internal/common/config"
	"github.com/routa-dev/routa/internal/session"
)

// providerSpecs converts configured providers into session manager specs.
func providerSpecs(cfg *config.Config) []session.ProviderSpec {
	specs := make([]session.ProviderSpec, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		specs = append(specs, session.ProviderSpec{
			Name:      p.Name,
			Transport: p.Transport,
			Command:   p.Command,
			Env:       p.Env,
		})
	}
	return specs
}

// defaultProvider picks the configured default, falling back to the first
// registered provider.
func defaultProvider(cfg *config.Config) string {
	if cfg.Orchestrator.DefaultProvider != "" {
		return cfg.Orchestrator.DefaultProvider
	}
	if len(cfg.Providers) > 0 {
		return cfg.Providers[0].Name
	}
	return ""
}
