package docpipeline

import "time"

// Config is the shape a containing application loads through
// pkg/config (YAML/JSON plus environment-variable overrides) and uses
// to build a Port and a DocStore. The core package itself never reads
// a file path or os.Getenv — only this struct, populated by the
// caller, crosses the boundary.
type Config struct {
	ConnectionString string        `yaml:"connection_string" json:"connection_string"`
	ErrorState       string        `yaml:"error_state" json:"error_state"`
	MaxConcurrency   int           `yaml:"max_concurrency" json:"max_concurrency"`
	PoolSize         int           `yaml:"pool_size" json:"pool_size"`
	MaxOverflow      int           `yaml:"max_overflow" json:"max_overflow"`
	PoolTimeout      time.Duration `yaml:"pool_timeout" json:"pool_timeout"`
	PoolRecycle      time.Duration `yaml:"pool_recycle" json:"pool_recycle"`
}

// DefaultConfig returns the defaults a zero-value Config should be
// filled in with before use.
func DefaultConfig() Config {
	return Config{
		ErrorState:     "error",
		MaxConcurrency: DefaultGateCapacity,
		PoolSize:       5,
		MaxOverflow:    10,
		PoolTimeout:    30 * time.Second,
		PoolRecycle:    30 * time.Minute,
	}
}
