package main

import (
	"github.com/phrazzld/mediagen/internal/config"
	"github.com/phrazzld/mediagen/internal/task"
)

// profilesFromConfig overlays the configured type settings on the built-in
// profiles. Zero values keep the default.
func profilesFromConfig(types map[string]config.TypeConfig) task.Profiles {
	profiles := task.DefaultProfiles()
	for name, tc := range types {
		typ := task.Type(name)
		p, ok := profiles[typ]
		if !ok {
			continue
		}
		if tc.BaselinePriority > 0 {
			p.BaselinePriority = tc.BaselinePriority
		}
		if tc.MaxRetries > 0 {
			p.MaxRetries = tc.MaxRetries
		}
		if tc.Workers > 0 {
			p.Workers = tc.Workers
		}
		if tc.PollInterval > 0 {
			p.PollInterval = tc.PollInterval
		}
		if tc.MaxWait > 0 {
			p.MaxWait = tc.MaxWait
		}
		if tc.BackoffBase > 0 {
			p.Backoff.Base = tc.BackoffBase
		}
		if tc.BackoffMax > 0 {
			p.Backoff.Max = tc.BackoffMax
		}
		profiles[typ] = p
	}
	return profiles
}

func reconcilerConfig(cfg config.ReconcilerConfig) task.ReconcilerConfig {
	out := task.ReconcilerConfig{
		Shards:      cfg.Shards,
		PollTimeout: cfg.PollTimeout,
		RetryDelay:  cfg.RetryDelay,
		SweepBatch:  cfg.SweepBatch,
		DefaultRateLimit: task.RateLimit{
			PerSecond: cfg.DefaultRateLimit.PerSecond,
			Burst:     cfg.DefaultRateLimit.Burst,
		},
	}
	if len(cfg.RateLimits) > 0 {
		out.ProviderRateLimits = make(map[string]task.RateLimit, len(cfg.RateLimits))
		for provider, rl := range cfg.RateLimits {
			out.ProviderRateLimits[provider] = task.RateLimit{PerSecond: rl.PerSecond, Burst: rl.Burst}
		}
	}
	return out
}
