package config

// Pauses lists the modules halted at startup.
type Pauses struct {
	Proposal bool
	Token    bool
}

// Quota bounds the state-changing calls one caller may issue per epoch. Zero
// limits are unlimited.
type Quota struct {
	MaxCallsPerEpoch   uint32
	MaxCreatesPerEpoch uint32
	EpochSeconds       uint32 // e.g., 3600
}

// Global bundles the runtime policy values enforced by ValidateConfig.
type Global struct {
	Pauses Pauses
	Quota  Quota
}

// RPC configures the HTTP surface.
type RPC struct {
	RequestsPerMinute float64
	Burst             int
	StreamBuffer      int
	// AdminTokenEnv names the environment variable holding the bearer token
	// for the admin routes. An unset variable disables them.
	AdminTokenEnv string
}

// Logging configures the JSON log sink.
type Logging struct {
	Level      string
	Env        string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Observability configures the OTLP exporters.
type Observability struct {
	Endpoint    string
	Insecure    bool
	Headers     string
	Metrics     bool
	Traces      bool
	SampleRatio float64
}
