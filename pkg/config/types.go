package config

import (
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

// Config is the top-level service configuration.
type Config struct {
	// Store configures the durable state store.
	Store StoreConfig `json:"store" validate:"required"`

	// Bus configures the trigger bus delivery behavior.
	Bus BusConfig `json:"bus" validate:"required"`

	// Intake configures the request intake surface.
	Intake IntakeConfig `json:"intake" validate:"required"`

	// Stages configures the stage workers.
	Stages StagesConfig `json:"stages" validate:"required"`

	// Providers configures the external analysis and planning functions.
	Providers ProvidersConfig `json:"providers" validate:"required"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry *telemetry.Config `json:"telemetry"`
}

// StoreConfig configures the SQLite state store.
type StoreConfig struct {
	// Path is the database file path. ":memory:" uses an in-memory store.
	Path string `json:"path" validate:"required"`
}

// BusConfig configures trigger delivery.
type BusConfig struct {
	// PollInterval is how often consumers poll for due triggers.
	PollInterval time.Duration `json:"poll_interval" validate:"min=0"`

	// LeaseDuration is how long a leased trigger stays invisible to
	// other consumers before it becomes redeliverable.
	LeaseDuration time.Duration `json:"lease_duration" validate:"min=0"`

	// MaxAttempts bounds redelivery before a trigger is dead-lettered.
	MaxAttempts int `json:"max_attempts" validate:"min=1"`

	// BaseBackoff is the delay before the first redelivery.
	BaseBackoff time.Duration `json:"base_backoff" validate:"min=0"`

	// MaxBackoff caps the exponential redelivery delay.
	MaxBackoff time.Duration `json:"max_backoff" validate:"min=0"`
}

// IntakeConfig configures the HTTP intake surface.
type IntakeConfig struct {
	// ListenAddress is the address the intake API binds to.
	ListenAddress string `json:"listen_address" validate:"required"`

	// MaxBodyBytes limits the accepted submission body size.
	MaxBodyBytes int64 `json:"max_body_bytes" validate:"min=1"`

	// PolicyPath optionally points at a Rego policy file that replaces
	// the built-in admission policy.
	PolicyPath string `json:"policy_path"`

	// PublishRetries bounds retries when publishing the first-stage
	// trigger after a request record is created.
	PublishRetries int `json:"publish_retries" validate:"min=0"`
}

// StagesConfig configures the stage workers.
type StagesConfig struct {
	// AnalysisTimeout bounds a single damage-analysis invocation.
	AnalysisTimeout time.Duration `json:"analysis_timeout" validate:"min=0"`

	// PlanningTimeout bounds a single logistics-planning invocation.
	PlanningTimeout time.Duration `json:"planning_timeout" validate:"min=0"`
}

// ProvidersConfig configures the external functions and inventory source.
type ProvidersConfig struct {
	// Mode selects "http" adapters or built-in "simulated" providers.
	Mode string `json:"mode" validate:"oneof=http simulated"`

	// AnalysisEndpoint is the damage-analysis function URL (http mode).
	AnalysisEndpoint string `json:"analysis_endpoint" validate:"omitempty,uri"`

	// PlanningEndpoint is the logistics-planning function URL (http mode).
	PlanningEndpoint string `json:"planning_endpoint" validate:"omitempty,uri"`

	// RequestTimeout bounds the HTTP call to either endpoint.
	RequestTimeout time.Duration `json:"request_timeout" validate:"min=0"`

	// InventoryPath points at the YAML inventory file. Empty uses the
	// built-in static inventory.
	InventoryPath string `json:"inventory_path"`

	// WatchInventory reloads the inventory file on change.
	WatchInventory bool `json:"watch_inventory"`

	// AOIRegions maps region names to area-of-interest descriptors
	// attached to requests at intake. Unlisted regions carry no AOI.
	AOIRegions map[string]string `json:"aoi_regions"`
}

// Default returns a configuration with development defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "reliefmesh.db",
		},
		Bus: BusConfig{
			PollInterval:  250 * time.Millisecond,
			LeaseDuration: 5 * time.Minute,
			MaxAttempts:   5,
			BaseBackoff:   2 * time.Second,
			MaxBackoff:    time.Minute,
		},
		Intake: IntakeConfig{
			ListenAddress:  ":8080",
			MaxBodyBytes:   1 << 20,
			PublishRetries: 3,
		},
		Stages: StagesConfig{
			AnalysisTimeout: 2 * time.Minute,
			PlanningTimeout: 2 * time.Minute,
		},
		Providers: ProvidersConfig{
			Mode:           "simulated",
			RequestTimeout: 90 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
