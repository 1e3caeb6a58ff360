package core

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const (
	BuildModeLenient = "lenient"
	BuildModeStrict  = "strict"
)

/** @brief Byte budgets for the ray-tracing buffer pools. Zero means unbounded. */
type PoolBudgets struct {
	ShaderTable   uint64 `toml:"shader_table"`
	Scratch       uint64 `toml:"scratch"`
	AabbStaging   uint64 `toml:"aabb_staging"`
	Blas          uint64 `toml:"blas"`
	ClusterBlas   uint64 `toml:"cluster_blas"`
	TlasInstances uint64 `toml:"tlas_instances"`
	Tlas          uint64 `toml:"tlas"`
}

/** @brief Engine level configuration, usually loaded from a TOML file. */
type Config struct {
	/** @brief One of "software", "vulkan" or "null". */
	Backend string `toml:"backend"`
	/** @brief Number of physical devices the factory exposes. */
	DeviceCount int `toml:"device_count"`
	/** @brief Depth of the per-device transient ring used by cluster BLAS builds. */
	MaxFrameLatency int `toml:"max_frame_latency"`
	/** @brief "lenient" keeps partially built multi-device objects, "strict" tears them down. */
	BuildMode string `toml:"build_mode"`
	LogLevel  string `toml:"log_level"`
	/** @brief Number of workers used for asynchronous BLAS builds. */
	BuildWorkers int         `toml:"build_workers"`
	Pools        PoolBudgets `toml:"pools"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend:         "software",
		DeviceCount:     2,
		MaxFrameLatency: 3,
		BuildMode:       BuildModeLenient,
		LogLevel:        "info",
		BuildWorkers:    2,
	}
}

// LoadConfig reads a TOML file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML on top of the defaults and validates the result.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "software", "vulkan", "null":
	default:
		return fmt.Errorf("%w: unknown backend '%s'", ErrInvalidArgument, c.Backend)
	}
	if c.DeviceCount <= 0 || c.DeviceCount > 32 {
		return fmt.Errorf("%w: device_count must be in [1, 32], got %d", ErrInvalidArgument, c.DeviceCount)
	}
	if c.MaxFrameLatency <= 0 {
		return fmt.Errorf("%w: max_frame_latency must be positive, got %d", ErrInvalidArgument, c.MaxFrameLatency)
	}
	if c.BuildMode != BuildModeLenient && c.BuildMode != BuildModeStrict {
		return fmt.Errorf("%w: unknown build_mode '%s'", ErrInvalidArgument, c.BuildMode)
	}
	if c.BuildWorkers <= 0 {
		return fmt.Errorf("%w: build_workers must be positive, got %d", ErrInvalidArgument, c.BuildWorkers)
	}
	return nil
}

// Marshal renders the configuration back to TOML.
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}
