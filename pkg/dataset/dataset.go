// Package dataset loads the golden dataset used for batch evaluation.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/polisai/plantwatch/pkg/domain"
)

// Reading is one sensor value with its target.
type Reading struct {
	Value  float64 `json:"value"`
	Target float64 `json:"target"`
}

// Metrics mirrors SensorMetrics in the value/target shape the dataset uses.
type Metrics struct {
	SoilMoisture Reading `json:"soil_moisture"`
	Light        Reading `json:"light"`
	Temperature  Reading `json:"temperature"`
	Humidity     Reading `json:"humidity"`
}

// Input is the request half of an example.
type Input struct {
	PlantType         string  `json:"plant_type"`
	Metrics           Metrics `json:"metrics"`
	AdditionalContext string  `json:"additional_context,omitempty"`
	Message           string  `json:"message,omitempty"`
}

// Example is one golden case. Expected is free-form and only carried into
// reports.
type Example struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Input       Input          `json:"input"`
	Expected    map[string]any `json:"expected,omitempty"`
}

// Dataset is the file format.
type Dataset struct {
	Examples []Example `json:"examples"`
}

// Request converts the example into an assessment request keyed by its id.
func (e Example) Request() domain.AssessmentRequest {
	m := e.Input.Metrics
	return domain.AssessmentRequest{
		RequestID: e.ID,
		ContextID: e.ID,
		PlantType: e.Input.PlantType,
		Metrics: domain.SensorMetrics{
			SoilMoisture:       m.SoilMoisture.Value,
			SoilMoistureTarget: m.SoilMoisture.Target,
			Light:              m.Light.Value,
			LightTarget:        m.Light.Target,
			Temperature:        m.Temperature.Value,
			TemperatureTarget:  m.Temperature.Target,
			Humidity:           m.Humidity.Value,
			HumidityTarget:     m.Humidity.Target,
		},
		Message:           e.Input.Message,
		AdditionalContext: e.Input.AdditionalContext,
	}
}

// Load reads and validates a dataset file.
func Load(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("read dataset: %w", err)
	}
	return Parse(data)
}

// Parse decodes a dataset. Every example needs a unique id and a plant type.
func Parse(data []byte) (Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return Dataset{}, fmt.Errorf("decode dataset: %w", err)
	}
	if len(ds.Examples) == 0 {
		return Dataset{}, fmt.Errorf("%w: dataset has no examples", domain.ErrConfigInvalid)
	}
	seen := make(map[string]struct{}, len(ds.Examples))
	for i, ex := range ds.Examples {
		if strings.TrimSpace(ex.ID) == "" {
			return Dataset{}, fmt.Errorf("%w: example %d has no id", domain.ErrConfigInvalid, i)
		}
		if _, dup := seen[ex.ID]; dup {
			return Dataset{}, fmt.Errorf("%w: duplicate example id %q", domain.ErrConfigInvalid, ex.ID)
		}
		seen[ex.ID] = struct{}{}
		if strings.TrimSpace(ex.Input.PlantType) == "" {
			return Dataset{}, fmt.Errorf("%w: example %q has no plant_type", domain.ErrConfigInvalid, ex.ID)
		}
	}
	return ds, nil
}

// Limit returns at most n examples; n <= 0 means all.
func (d Dataset) Limit(n int) []Example {
	if n <= 0 || n >= len(d.Examples) {
		return d.Examples
	}
	return d.Examples[:n]
}
