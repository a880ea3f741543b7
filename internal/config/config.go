// Package config loads the orchestrator settings from a YAML file with
// environment overrides, and maps them onto the components that consume them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/documentorchestrator/internal/admission"
	"github.com/Lllllllleong/documentorchestrator/internal/breaker"
	"github.com/Lllllllleong/documentorchestrator/internal/gcp"
	"github.com/Lllllllleong/documentorchestrator/internal/models"
	"github.com/Lllllllleong/documentorchestrator/internal/retry"
	"github.com/Lllllllleong/documentorchestrator/internal/runner"
	"github.com/Lllllllleong/documentorchestrator/internal/selector"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = "ORCHESTRATOR_CONFIG"

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the root of the configuration file.
type Config struct {
	GCP               GCPConfig                  `yaml:"gcp"`
	LogLevel          string                     `yaml:"logLevel"`
	Concurrency       ConcurrencyConfig          `yaml:"concurrency"`
	AdmissionTimeout  Duration                   `yaml:"admissionTimeout"`
	AttemptTimeout    Duration                   `yaml:"attemptTimeout"`
	Retry             RetryConfig                `yaml:"retry"`
	CircuitBreaker    BreakerConfig              `yaml:"circuitBreaker"`
	SkipAssess        bool                       `yaml:"skipAssess"`
	ResumeConcurrency int                        `yaml:"resumeConcurrency"`
	Backends          []models.Backend           `yaml:"backends"`
	Policies          map[string]selector.Policy `yaml:"policies"`
}

// GCPConfig names the cloud resources the functions use.
type GCPConfig struct {
	ProjectID        string `yaml:"projectId"`
	VertexAIRegion   string `yaml:"vertexAIRegion"`
	Collection       string `yaml:"collection"`
	ResultsBucket    string `yaml:"resultsBucket"`
	SplitPagesBucket string `yaml:"splitPagesBucket"`
	WorkflowID       string `yaml:"workflowId"`
	WorkflowLocation string `yaml:"workflowLocation"`
}

// ConcurrencyConfig holds the admission ceilings. Zero means unlimited.
type ConcurrencyConfig struct {
	Global          int            `yaml:"global"`
	Backends        map[string]int `yaml:"backends"`
	ResourceClasses map[string]int `yaml:"resourceClasses"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"maxAttempts"`
	BaseDelay   Duration `yaml:"baseDelay"`
	MaxDelay    Duration `yaml:"maxDelay"`
}

type BreakerConfig struct {
	WindowSize   int      `yaml:"windowSize"`
	MinSamples   int      `yaml:"minSamples"`
	FailureRatio float64  `yaml:"failureRatio"`
	CoolDown     Duration `yaml:"coolDown"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	rp := retry.DefaultPolicy()
	bc := breaker.DefaultConfig()
	return Config{
		GCP: GCPConfig{
			VertexAIRegion:   "us-central1",
			Collection:       "documents",
			WorkflowID:       "document-processing-orchestrator",
			WorkflowLocation: "us-central1",
		},
		LogLevel:          "info",
		Concurrency:       ConcurrencyConfig{Global: 10},
		AdmissionTimeout:  Duration(30 * time.Second),
		AttemptTimeout:    Duration(5 * time.Minute),
		Retry:             RetryConfig{MaxAttempts: rp.MaxAttempts, BaseDelay: Duration(rp.BaseDelay), MaxDelay: Duration(rp.MaxDelay)},
		CircuitBreaker:    BreakerConfig{WindowSize: bc.WindowSize, MinSamples: bc.MinSamples, FailureRatio: bc.FailureRatio, CoolDown: Duration(bc.CoolDown)},
		ResumeConcurrency: 4,
	}
}

// Load reads the file named by ORCHESTRATOR_CONFIG, if set, over the
// defaults, applies environment overrides and validates the result.
func Load() (Config, error) {
	path := gcp.GetEnv(PathEnv, "")
	if path == "" {
		cfg := Default()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.GCP.ProjectID = gcp.GetEnv("PROJECT_ID", c.GCP.ProjectID)
	c.GCP.VertexAIRegion = gcp.GetEnv("VERTEX_AI_REGION", c.GCP.VertexAIRegion)
	c.GCP.Collection = gcp.GetEnv("FIRESTORE_COLLECTION", c.GCP.Collection)
	c.GCP.ResultsBucket = gcp.GetEnv("RESULTS_BUCKET", c.GCP.ResultsBucket)
	c.GCP.SplitPagesBucket = gcp.GetEnv("SPLIT_PAGES_BUCKET", c.GCP.SplitPagesBucket)
	c.GCP.WorkflowID = gcp.GetEnv("WORKFLOW_ID", c.GCP.WorkflowID)
	c.GCP.WorkflowLocation = gcp.GetEnv("WORKFLOW_LOCATION", c.GCP.WorkflowLocation)
	c.LogLevel = gcp.GetEnv("LOG_LEVEL", c.LogLevel)
	if v, err := strconv.Atoi(gcp.GetEnv("MAX_CONCURRENCY", "")); err == nil {
		c.Concurrency.Global = v
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency.Global < 0 {
		errs = append(errs, errors.New("concurrency.global must not be negative"))
	}
	for id, n := range c.Concurrency.Backends {
		if n < 0 {
			errs = append(errs, fmt.Errorf("concurrency.backends.%s must not be negative", id))
		}
	}
	for class, n := range c.Concurrency.ResourceClasses {
		if n < 0 {
			errs = append(errs, fmt.Errorf("concurrency.resourceClasses.%s must not be negative", class))
		}
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.maxAttempts must be at least 1"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.CircuitBreaker.FailureRatio <= 0 || c.CircuitBreaker.FailureRatio > 1 {
		errs = append(errs, fmt.Errorf("circuitBreaker.failureRatio %v must be in (0, 1]", c.CircuitBreaker.FailureRatio))
	}
	if c.CircuitBreaker.WindowSize < 1 {
		errs = append(errs, errors.New("circuitBreaker.windowSize must be at least 1"))
	}
	if c.AdmissionTimeout < 0 || c.AttemptTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	seen := map[string]models.Backend{}
	for i, b := range c.Backends {
		switch {
		case b.ID == "":
			errs = append(errs, fmt.Errorf("backends[%d]: id is required", i))
			continue
		case b.Engine == "":
			errs = append(errs, fmt.Errorf("backend %s: engine is required", b.ID))
		}
		if _, dup := seen[b.ID]; dup {
			errs = append(errs, fmt.Errorf("backend %s: duplicate id", b.ID))
		}
		if !b.Stage.IsPipeline() {
			errs = append(errs, fmt.Errorf("backend %s: stage %q is not a pipeline stage", b.ID, b.Stage))
		}
		seen[b.ID] = b
	}
	for id := range c.Concurrency.Backends {
		if _, ok := seen[id]; !ok {
			errs = append(errs, fmt.Errorf("concurrency.backends: unknown backend %s", id))
		}
	}

	for name, p := range c.Policies {
		stage, ok := models.ParseStage(name)
		if !ok || !stage.IsPipeline() {
			errs = append(errs, fmt.Errorf("policies: unknown stage %q", name))
			continue
		}
		refs := make([]string, 0, len(p.Rules)+1)
		for _, r := range p.Rules {
			refs = append(refs, r.Backend)
		}
		if p.Default != "" {
			refs = append(refs, p.Default)
		}
		for _, id := range refs {
			b, ok := seen[id]
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("policies.%s: unknown backend %q", name, id))
			case b.Stage != stage:
				errs = append(errs, fmt.Errorf("policies.%s: backend %s serves %s", name, id, b.Stage))
			}
		}
	}
	return errors.Join(errs...)
}

// Limits returns the admission ceilings.
func (c Config) Limits() admission.Limits {
	l := admission.Limits{admission.GlobalScope(): c.Concurrency.Global}
	for id, n := range c.Concurrency.Backends {
		l[admission.BackendScope(id)] = n
	}
	for class, n := range c.Concurrency.ResourceClasses {
		l[admission.ClassScope(class)] = n
	}
	return l
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay.Duration(),
		MaxDelay:    c.Retry.MaxDelay.Duration(),
	}
}

func (c Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		WindowSize:   c.CircuitBreaker.WindowSize,
		MinSamples:   c.CircuitBreaker.MinSamples,
		FailureRatio: c.CircuitBreaker.FailureRatio,
		CoolDown:     c.CircuitBreaker.CoolDown.Duration(),
	}
}

// RunnerOptions returns the stage runner settings.
func (c Config) RunnerOptions() runner.Options {
	policies := make(map[models.Stage]selector.Policy, len(c.Policies))
	for name, p := range c.Policies {
		if stage, ok := models.ParseStage(name); ok {
			policies[stage] = p
		}
	}
	return runner.Options{
		Catalog:          selector.NewCatalog(c.Backends...),
		Policies:         policies,
		Retry:            c.RetryPolicy(),
		AdmissionTimeout: c.AdmissionTimeout.Duration(),
		AttemptTimeout:   c.AttemptTimeout.Duration(),
	}
}
