// Package recovery watches fused session metrics for performance risk and
// runs at most one timed recovery protocol at a time.
package recovery

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol names known to the selection rules.
const (
	RespiratoryReset   = "respiratoryReset"
	CognitiveReframe   = "cognitiveReframe"
	EnergyModulation   = "energyModulation"
	FlowStateInduction = "flowStateInduction"
	AntifragilityBoost = "antifragilityBoost"
)

type Priority string

const (
	PriorityImmediate   Priority = "immediate"
	PriorityHigh        Priority = "high"
	PriorityMedium      Priority = "medium"
	PriorityEnhancement Priority = "enhancement"
	PriorityDevelopment Priority = "development"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityImmediate, PriorityHigh, PriorityMedium, PriorityEnhancement, PriorityDevelopment:
		return true
	}
	return false
}

// Protocol is an immutable catalog entry.
type Protocol struct {
	Name              string             `yaml:"-" json:"name"`
	TriggerConditions map[string]float64 `yaml:"trigger" json:"trigger_conditions"`
	Intervention      string             `yaml:"intervention" json:"intervention"`
	DurationMS        int64              `yaml:"duration_ms" json:"duration_ms"`
	Priority          Priority           `yaml:"priority" json:"priority"`
	NeuralTarget      string             `yaml:"neural_target" json:"neural_target"`
}

func (p Protocol) Duration() time.Duration {
	return time.Duration(p.DurationMS) * time.Millisecond
}

// Catalog maps protocol names to entries.
type Catalog map[string]Protocol

// DefaultCatalog returns a fresh copy of the built-in protocols.
func DefaultCatalog() Catalog {
	return Catalog{
		RespiratoryReset: {
			Name:              RespiratoryReset,
			TriggerConditions: map[string]float64{"stress_level": 0.7, "voice_stability": 0.4},
			Intervention:      "Implement 4-7-8 breathing pattern",
			DurationMS:        30000,
			Priority:          PriorityImmediate,
			NeuralTarget:      "parasympathetic activation",
		},
		CognitiveReframe: {
			Name:              CognitiveReframe,
			TriggerConditions: map[string]float64{"hesitation_rate": 0.3, "confidence_level": 0.4},
			Intervention:      "Cognitive restructuring with positive anchoring",
			DurationMS:        45000,
			Priority:          PriorityHigh,
			NeuralTarget:      "prefrontal cortex optimization",
		},
		EnergyModulation: {
			Name:              EnergyModulation,
			TriggerConditions: map[string]float64{"energy_level": 0.2, "voice_volume": 0.3},
			Intervention:      "Progressive energy escalation protocol",
			DurationMS:        60000,
			Priority:          PriorityMedium,
			NeuralTarget:      "sympathetic nervous system",
		},
		FlowStateInduction: {
			Name:              FlowStateInduction,
			TriggerConditions: map[string]float64{"stability_consistency": 0.8, "stress_level": 0.2},
			Intervention:      "Flow state optimization sequence",
			DurationMS:        120000,
			Priority:          PriorityEnhancement,
			NeuralTarget:      "default mode network",
		},
		AntifragilityBoost: {
			Name:              AntifragilityBoost,
			TriggerConditions: map[string]float64{"recovery_speed": 5000, "adaptation_score": 0.6},
			Intervention:      "Stress inoculation with controlled challenge",
			DurationMS:        180000,
			Priority:          PriorityDevelopment,
			NeuralTarget:      "stress resilience pathways",
		},
	}
}

type catalogFile struct {
	Protocols map[string]Protocol `yaml:"protocols"`
}

// LoadCatalog reads protocol overrides from a YAML file and merges them over
// the defaults. An empty path returns the defaults.
func LoadCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	for name, override := range file.Protocols {
		base, ok := catalog[name]
		if !ok {
			return nil, fmt.Errorf("unknown protocol %q", name)
		}
		if override.Intervention != "" {
			base.Intervention = override.Intervention
		}
		if override.DurationMS != 0 {
			base.DurationMS = override.DurationMS
		}
		if override.Priority != "" {
			base.Priority = override.Priority
		}
		if override.NeuralTarget != "" {
			base.NeuralTarget = override.NeuralTarget
		}
		if len(override.TriggerConditions) > 0 {
			base.TriggerConditions = override.TriggerConditions
		}
		catalog[name] = base
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Validate checks that every protocol the selection rules can pick exists
// and has a usable duration and priority.
func (c Catalog) Validate() error {
	for _, name := range []string{RespiratoryReset, CognitiveReframe, EnergyModulation, FlowStateInduction, AntifragilityBoost} {
		p, ok := c[name]
		if !ok {
			return fmt.Errorf("catalog missing protocol %q", name)
		}
		if p.DurationMS < 1000 {
			return fmt.Errorf("protocol %q: duration_ms must be at least 1000", name)
		}
		if !p.Priority.valid() {
			return fmt.Errorf("protocol %q: unknown priority %q", name, p.Priority)
		}
		if p.Intervention == "" {
			return fmt.Errorf("protocol %q: intervention text required", name)
		}
	}
	return nil
}

// Names returns the protocol names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
