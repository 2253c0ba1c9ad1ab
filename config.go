package vfscore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration surface. Credential secrets,
// per-window caps, the monetary ceiling and the informational toggles all
// live here; everything else (rendering, preprocessing, reporting) belongs
// to external collaborators.
type Config struct {
	Model       string             `yaml:"model"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Limits      QuotaLimits        `yaml:"limits"`
	Scoring     ScoringConfig      `yaml:"scoring"`
	Cost        CostConfig         `yaml:"cost"`
	Pricing     PriceTable         `yaml:"pricing"`
	ResultsDir  string             `yaml:"results_dir"`
}

// CredentialConfig is one API key with an optional attribution label.
type CredentialConfig struct {
	Secret string `yaml:"secret"`
	Label  string `yaml:"label"`
}

// ScoringConfig controls repeats, sampling and concurrency.
type ScoringConfig struct {
	Repeats        int                `yaml:"repeats"`
	Temperature    float64            `yaml:"temperature"`
	TopP           float64            `yaml:"top_p"`
	MaxConcurrency int                `yaml:"max_concurrency"`
	RubricWeights  map[string]float64 `yaml:"rubric_weights"`
}

// CostConfig controls the cost guard.
type CostConfig struct {
	MaxUSD             float64   `yaml:"max_usd"` // 0 = no ceiling
	AlertThresholdsUSD []float64 `yaml:"alert_thresholds_usd"`
	BillingWarning     bool      `yaml:"billing_warning"`
	LogPath            string    `yaml:"log_path"`
}

// DefaultRubricWeights mirror the scoring rubric; they sum to 100.
var DefaultRubricWeights = map[string]float64{
	"color_palette":           40,
	"material_finish":         25,
	"texture_identity":        10,
	"texture_scale_placement": 15,
	"shading_response":        5,
	"rendering_artifacts":     5,
}

// LoadConfig reads and parses a YAML config file. Environment variables in
// the format ${VAR} are expanded before parsing, so secrets can stay out
// of the file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vfscore: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("vfscore: parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "gemini-2.5-pro"
	}
	c.Limits = c.Limits.withDefaults()
	if c.Scoring.Repeats == 0 {
		c.Scoring.Repeats = 3
	}
	if c.Scoring.TopP == 0 {
		c.Scoring.TopP = 1.0
	}
	if c.Scoring.MaxConcurrency == 0 {
		c.Scoring.MaxConcurrency = len(c.Credentials)
	}
	if c.Scoring.RubricWeights == nil {
		c.Scoring.RubricWeights = DefaultRubricWeights
	}
	if c.Pricing == nil {
		c.Pricing = DefaultPriceTable
	}
	if c.Cost.AlertThresholdsUSD == nil {
		c.Cost.AlertThresholdsUSD = DefaultAlertThresholds
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("vfscore: config: at least one credential is required")
	}

	labels := make(map[string]bool, len(c.Credentials))
	for i, cc := range c.Credentials {
		if cc.Secret == "" {
			return fmt.Errorf("vfscore: config: credentials[%d]: secret is required", i)
		}
		if cc.Label != "" {
			if labels[cc.Label] {
				return fmt.Errorf("vfscore: config: duplicate credential label %q", cc.Label)
			}
			labels[cc.Label] = true
		}
	}

	if c.Limits.RPM <= 0 || c.Limits.TPM <= 0 || c.Limits.RPD <= 0 {
		return fmt.Errorf("vfscore: config: quota limits must be positive")
	}
	if c.Scoring.Repeats < 1 {
		return fmt.Errorf("vfscore: config: scoring.repeats must be >= 1")
	}
	if c.Scoring.MaxConcurrency < 1 {
		return fmt.Errorf("vfscore: config: scoring.max_concurrency must be >= 1")
	}
	if c.Cost.MaxUSD < 0 {
		return fmt.Errorf("vfscore: config: cost.max_usd must not be negative")
	}
	for i, th := range c.Cost.AlertThresholdsUSD {
		if th <= 0 {
			return fmt.Errorf("vfscore: config: cost.alert_thresholds_usd[%d] must be positive", i)
		}
	}
	return nil
}
