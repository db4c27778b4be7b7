package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Loader parses and validates CUE configuration files.
type Loader struct {
	ctx      *cue.Context
	validate *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		ctx:      cuecontext.New(),
		validate: validator.New(),
	}
}

// fileConfig mirrors Config with string durations, the shape a CUE
// configuration file uses.
type fileConfig struct {
	Store struct {
		Path string `json:"path"`
	} `json:"store"`
	Bus struct {
		PollInterval  string `json:"poll_interval"`
		LeaseDuration string `json:"lease_duration"`
		MaxAttempts   int    `json:"max_attempts"`
		BaseBackoff   string `json:"base_backoff"`
		MaxBackoff    string `json:"max_backoff"`
	} `json:"bus"`
	Intake struct {
		ListenAddress  string `json:"listen_address"`
		MaxBodyBytes   int64  `json:"max_body_bytes"`
		PolicyPath     string `json:"policy_path"`
		PublishRetries *int   `json:"publish_retries"`
	} `json:"intake"`
	Stages struct {
		AnalysisTimeout string `json:"analysis_timeout"`
		PlanningTimeout string `json:"planning_timeout"`
	} `json:"stages"`
	Providers struct {
		Mode             string            `json:"mode"`
		AnalysisEndpoint string            `json:"analysis_endpoint"`
		PlanningEndpoint string            `json:"planning_endpoint"`
		RequestTimeout   string            `json:"request_timeout"`
		InventoryPath    string            `json:"inventory_path"`
		WatchInventory   bool              `json:"watch_inventory"`
		AOIRegions       map[string]string `json:"aoi_regions"`
	} `json:"providers"`
	Telemetry struct {
		Environment string `json:"environment"`
		LogLevel    string `json:"log_level"`
		LogFormat   string `json:"log_format"`
		Metrics     struct {
			Enabled       *bool  `json:"enabled"`
			ListenAddress string `json:"listen_address"`
		} `json:"metrics"`
		Tracing struct {
			Enabled  bool   `json:"enabled"`
			Exporter string `json:"exporter"`
			Endpoint string `json:"endpoint"`
		} `json:"tracing"`
	} `json:"telemetry"`
}

// Load reads a CUE configuration file and merges it over the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.LoadBytes(content, path)
}

// LoadBytes parses CUE configuration content and merges it over the defaults.
func (l *Loader) LoadBytes(content []byte, filename string) (*Config, error) {
	val := l.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse config: %s", cueerrors.Details(err, nil))
	}

	var fc fileConfig
	if err := val.Decode(&fc); err != nil {
		return nil, fmt.Errorf("failed to decode config: %s", cueerrors.Details(err, nil))
	}

	cfg := Default()
	if err := applyFileConfig(cfg, &fc); err != nil {
		return nil, err
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks a configuration against its struct constraints.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Providers.Mode == "http" {
		if cfg.Providers.AnalysisEndpoint == "" || cfg.Providers.PlanningEndpoint == "" {
			return fmt.Errorf("invalid configuration: http provider mode requires analysis_endpoint and planning_endpoint")
		}
	}
	if cfg.Telemetry != nil {
		if err := cfg.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry configuration: %w", err)
		}
	}
	return nil
}

// applyFileConfig overlays non-zero file values onto cfg.
func applyFileConfig(cfg *Config, fc *fileConfig) error {
	if fc.Store.Path != "" {
		cfg.Store.Path = fc.Store.Path
	}

	if err := setDuration(&cfg.Bus.PollInterval, fc.Bus.PollInterval, "bus.poll_interval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Bus.LeaseDuration, fc.Bus.LeaseDuration, "bus.lease_duration"); err != nil {
		return err
	}
	if fc.Bus.MaxAttempts != 0 {
		cfg.Bus.MaxAttempts = fc.Bus.MaxAttempts
	}
	if err := setDuration(&cfg.Bus.BaseBackoff, fc.Bus.BaseBackoff, "bus.base_backoff"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Bus.MaxBackoff, fc.Bus.MaxBackoff, "bus.max_backoff"); err != nil {
		return err
	}

	if fc.Intake.ListenAddress != "" {
		cfg.Intake.ListenAddress = fc.Intake.ListenAddress
	}
	if fc.Intake.MaxBodyBytes != 0 {
		cfg.Intake.MaxBodyBytes = fc.Intake.MaxBodyBytes
	}
	if fc.Intake.PolicyPath != "" {
		cfg.Intake.PolicyPath = fc.Intake.PolicyPath
	}
	if fc.Intake.PublishRetries != nil {
		cfg.Intake.PublishRetries = *fc.Intake.PublishRetries
	}

	if err := setDuration(&cfg.Stages.AnalysisTimeout, fc.Stages.AnalysisTimeout, "stages.analysis_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Stages.PlanningTimeout, fc.Stages.PlanningTimeout, "stages.planning_timeout"); err != nil {
		return err
	}

	if fc.Providers.Mode != "" {
		cfg.Providers.Mode = fc.Providers.Mode
	}
	if fc.Providers.AnalysisEndpoint != "" {
		cfg.Providers.AnalysisEndpoint = fc.Providers.AnalysisEndpoint
	}
	if fc.Providers.PlanningEndpoint != "" {
		cfg.Providers.PlanningEndpoint = fc.Providers.PlanningEndpoint
	}
	if err := setDuration(&cfg.Providers.RequestTimeout, fc.Providers.RequestTimeout, "providers.request_timeout"); err != nil {
		return err
	}
	if fc.Providers.InventoryPath != "" {
		cfg.Providers.InventoryPath = fc.Providers.InventoryPath
	}
	if fc.Providers.WatchInventory {
		cfg.Providers.WatchInventory = true
	}
	if len(fc.Providers.AOIRegions) > 0 {
		cfg.Providers.AOIRegions = fc.Providers.AOIRegions
	}

	if fc.Telemetry.Environment != "" {
		cfg.Telemetry.Environment = fc.Telemetry.Environment
	}
	if fc.Telemetry.LogLevel != "" {
		cfg.Telemetry.Logging.Level = fc.Telemetry.LogLevel
	}
	if fc.Telemetry.LogFormat != "" {
		cfg.Telemetry.Logging.Format = fc.Telemetry.LogFormat
	}
	if fc.Telemetry.Metrics.Enabled != nil {
		cfg.Telemetry.Metrics.Enabled = *fc.Telemetry.Metrics.Enabled
	}
	if fc.Telemetry.Metrics.ListenAddress != "" {
		cfg.Telemetry.Metrics.ListenAddress = fc.Telemetry.Metrics.ListenAddress
	}
	if fc.Telemetry.Tracing.Enabled {
		cfg.Telemetry.Tracing.Enabled = true
	}
	if fc.Telemetry.Tracing.Exporter != "" {
		cfg.Telemetry.Tracing.Exporter = fc.Telemetry.Tracing.Exporter
	}
	if fc.Telemetry.Tracing.Endpoint != "" {
		cfg.Telemetry.Tracing.Endpoint = fc.Telemetry.Tracing.Endpoint
	}

	return nil
}

// setDuration parses a duration string into dst when non-empty.
func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("invalid %s %q: must not be negative", field, raw)
	}
	*dst = d
	return nil
}

// ExampleConfig is a complete CUE configuration with the default values,
// written by the init command as a starting point.
const ExampleConfig = `// ReliefMesh service configuration.
store: {
	path: "reliefmesh.db"
}

bus: {
	poll_interval:  "250ms"
	lease_duration: "5m"
	max_attempts:   5
	base_backoff:   "2s"
	max_backoff:    "1m"
}

intake: {
	listen_address:  ":8080"
	max_body_bytes:  1048576
	publish_retries: 3
}

stages: {
	analysis_timeout: "2m"
	planning_timeout: "2m"
}

providers: {
	mode: "simulated"
	// mode: "http"
	// analysis_endpoint: "http://localhost:9101/analyze"
	// planning_endpoint: "http://localhost:9102/plan"
	request_timeout: "90s"
	// inventory_path:  "inventory.yaml"
	// watch_inventory: true
	// aoi_regions: {
	// 	"Cebu Province, Philippines": "POLYGON((123.5 9.4, 124.1 9.4, 124.1 11.3, 123.5 11.3, 123.5 9.4))"
	// }
}

telemetry: {
	environment: "development"
	log_level:   "info"
	log_format:  "console"
	metrics: {
		enabled:        true
		listen_address: ":9090"
	}
	tracing: {
		enabled: false
	}
}
`
