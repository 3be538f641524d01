package app

import (
	"fmt"

	"pewwatch/internal/notifier/broadcast"
)

// mapBroadcastConfig maps the JSON broadcast section into broadcast.Config.
//
// If cfg.broadcast is omitted, broadcasting defaults to enabled=true so
// /announce works out of the box.
func mapBroadcastConfig(cfg *Config) (broadcast.Config, error) {
	out := broadcast.Config{
		Enabled:    true,
		Workers:    4,
		RatePerSec: 10,
		RetryMax:   2,
	}

	if cfg == nil || cfg.Broadcast == nil {
		return out, nil
	}
	b := cfg.Broadcast
	out.Enabled = b.Enabled
	if b.Workers != 0 {
		out.Workers = b.Workers
	}
	if b.RatePerSec != 0 {
		out.RatePerSec = b.RatePerSec
	}
	if b.RetryMax != 0 {
		out.RetryMax = b.RetryMax
	}

	if out.Workers < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.workers must be >= 0")
	}
	if out.RatePerSec < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.rate_per_sec must be >= 0")
	}
	if out.RetryMax < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.retry_max must be >= 0")
	}

	return out, nil
}
