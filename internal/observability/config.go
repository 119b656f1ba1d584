package observability

import (
	"strings"

	"github.com/sparlo/metering/internal/config"
)

// Config is the slice of application config the telemetry stack reads.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Telemetry   config.TelemetryConfig
	Endpoint    string
}

func LoadConfig(cfg config.Config) Config {
	env := strings.TrimSpace(cfg.Telemetry.DeploymentEnv)
	if env == "" {
		env = strings.TrimSpace(cfg.Environment)
	}
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "metering"
	}
	return Config{
		ServiceName: name,
		Environment: env,
		Version:     strings.TrimSpace(cfg.AppVersion),
		Telemetry:   cfg.Telemetry,
		Endpoint:    strings.TrimSpace(cfg.OTLPEndpoint),
	}
}

// Debug is on for debug logging and for every non-shared environment.
func (c Config) Debug() bool {
	if c.Telemetry.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
