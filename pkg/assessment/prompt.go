package assessment

import (
	"context"
	"math"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/prompts"
)

// Reading is one row of the sensor table shown to the model.
type Reading struct {
	Name    string
	Current float64
	Target  float64
	Unit    string
	Status  string
}

// Readings lays out the four sensor metrics with their deviation status.
func Readings(m domain.SensorMetrics) []Reading {
	rows := []Reading{
		{Name: "Soil moisture", Current: m.SoilMoisture, Target: m.SoilMoistureTarget, Unit: "%"},
		{Name: "Light", Current: m.Light, Target: m.LightTarget, Unit: " lux"},
		{Name: "Temperature", Current: m.Temperature, Target: m.TemperatureTarget, Unit: "F"},
		{Name: "Humidity", Current: m.Humidity, Target: m.HumidityTarget, Unit: "%"},
	}
	for i := range rows {
		rows[i].Status = StatusIndicator(rows[i].Current, rows[i].Target)
	}
	return rows
}

// StatusIndicator grades a reading by relative deviation from its target:
// OK up to 15%, WARN up to 40%, CRIT beyond.
func StatusIndicator(value, target float64) string {
	if target == 0 {
		if value == 0 {
			return "OK"
		}
		return "CRIT"
	}
	deviation := math.Abs(value-target) / math.Abs(target)
	switch {
	case deviation <= 0.15:
		return "OK"
	case deviation <= 0.40:
		return "WARN"
	default:
		return "CRIT"
	}
}

type promptData struct {
	PlantType         string
	Readings          []Reading
	AdditionalContext string
	Message           string
}

// BuildPrompt renders the user prompt for the main model. message is the
// sanitized owner text and is never the raw input.
func BuildPrompt(ctx context.Context, p prompts.Provider, req domain.AssessmentRequest, message string) (string, error) {
	return prompts.Render(ctx, p, prompts.AssessmentTemplate, promptData{
		PlantType:         req.PlantType,
		Readings:          Readings(req.Metrics),
		AdditionalContext: req.AdditionalContext,
		Message:           message,
	})
}
