package config

import "time"

// ServerConfig holds configuration for the casni daemon.
type ServerConfig struct {
	Addr         string        // Listen address (default ":8080")
	LogLevel     string        // Log level: debug, info, warn, error
	LogFormat    string        // Log format: text, json
	DBPath       string        // SQLite database path (default ~/.casni/casni.db, ":memory:" for testing)
	PollInterval time.Duration // Scheduler tick interval

	// Capacity of the single scheduling domain. A zero dimension is
	// unlimited (admission skips the check for it).
	CPUCores    float64
	MemoryBytes uint64
	GPUs        int

	DockerBin string // Container runtime binary (default "docker")
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		PollInterval: 2 * time.Second,
		DockerBin:    "docker",
	}
}
