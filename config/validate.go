package config

import "fmt"

var (
	MinQuotaEpochSeconds = uint32(60)
)

func ValidateConfig(g Global) error {
	q := g.Quota
	if (q.MaxCallsPerEpoch > 0 || q.MaxCreatesPerEpoch > 0) && q.EpochSeconds < MinQuotaEpochSeconds {
		return fmt.Errorf("quota: epoch_seconds below %d", MinQuotaEpochSeconds)
	}
	if q.MaxCallsPerEpoch > 0 && q.MaxCreatesPerEpoch > q.MaxCallsPerEpoch {
		return fmt.Errorf("quota: max_creates_per_epoch > max_calls_per_epoch")
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := ValidateConfig(c.Global); err != nil {
		return err
	}
	if c.RPC.RequestsPerMinute < 0 {
		return fmt.Errorf("rpc: requests_per_minute < 0")
	}
	if c.RPC.RequestsPerMinute > 0 && c.RPC.Burst <= 0 {
		return fmt.Errorf("rpc: burst must be positive when rate limiting")
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return fmt.Errorf("observability: sample_ratio outside [0,1]")
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging: rotation limits must not be negative")
	}
	return nil
}
