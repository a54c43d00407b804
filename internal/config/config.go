package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models turnline.yml: the work-order catalog (allowed duration per
// type, which type gates the rest) and the turnover KPI target.
type Config struct {
	KPI struct {
		TargetHours int64 `yaml:"target_hours"`
	} `yaml:"kpi"`
	WorkOrders []WorkOrderSpec `yaml:"work_orders"`
}

// WorkOrderSpec is one catalog entry. Exactly one entry carries Gate=true;
// the remaining types are created together once the gate order completes.
type WorkOrderSpec struct {
	Type        string `yaml:"type"`
	SLAHours    int64  `yaml:"sla_hours"`
	Gate        bool   `yaml:"gate"`
	Description string `yaml:"description,omitempty"`
}

// Validate ensures the catalog can drive the orchestration.
func (c *Config) Validate() error {
	if c.KPI.TargetHours <= 0 {
		return fmt.Errorf("config.kpi.target_hours must be positive")
	}
	if len(c.WorkOrders) < 2 {
		return fmt.Errorf("config.work_orders needs a gate type and at least one parallel type")
	}
	gates := 0
	seen := map[string]bool{}
	for _, w := range c.WorkOrders {
		if w.Type == "" {
			return fmt.Errorf("config.work_orders contains empty type")
		}
		if seen[w.Type] {
			return fmt.Errorf("config.work_orders duplicates type %s", w.Type)
		}
		seen[w.Type] = true
		if w.SLAHours <= 0 {
			return fmt.Errorf("work order type %s needs positive sla_hours", w.Type)
		}
		if w.Gate {
			gates++
		}
	}
	if gates != 1 {
		return fmt.Errorf("config.work_orders must mark exactly one gate type, got %d", gates)
	}
	return nil
}

// GateType returns the type that must complete before the rest unlock.
func (c *Config) GateType() string {
	for _, w := range c.WorkOrders {
		if w.Gate {
			return w.Type
		}
	}
	return ""
}

// ParallelTypes returns the non-gate types in catalog order.
func (c *Config) ParallelTypes() []string {
	var types []string
	for _, w := range c.WorkOrders {
		if !w.Gate {
			types = append(types, w.Type)
		}
	}
	return types
}

// Types returns all catalog types in order.
func (c *Config) Types() []string {
	types := make([]string, 0, len(c.WorkOrders))
	for _, w := range c.WorkOrders {
		types = append(types, w.Type)
	}
	return types
}

// SLAHours returns the allowed duration for a type.
func (c *Config) SLAHours(workOrderType string) (int64, bool) {
	for _, w := range c.WorkOrders {
		if w.Type == workOrderType {
			return w.SLAHours, true
		}
	}
	return 0, false
}

// SLADuration returns the allowed duration for a type as a time.Duration.
func (c *Config) SLADuration(workOrderType string) (time.Duration, bool) {
	hours, ok := c.SLAHours(workOrderType)
	return time.Duration(hours) * time.Hour, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "turnline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with tl config init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in catalog: inspection gates cleaning and repair.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `kpi:
  target_hours: 36

work_orders:
  - type: INSPECTION
    sla_hours: 4
    gate: true
    description: "Walkthrough and damage report; everything else waits on it"
  - type: CLEANING
    sla_hours: 8
    description: "Deep clean, unlocked by inspection"
  - type: REPAIR
    sla_hours: 24
    description: "Repairs from the inspection report, runs alongside cleaning"
`
