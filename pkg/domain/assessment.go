package domain

import (
	"fmt"
	"strings"
)

// HealthStatus is an ordered severity scale; higher values are more severe.
type HealthStatus int

// Health statuses in increasing severity.
const (
	HealthHealthy HealthStatus = iota
	HealthMinorIssues
	HealthNeedsAttention
	HealthCritical
)

var healthNames = [...]string{
	HealthHealthy:        "healthy",
	HealthMinorIssues:    "minor_issues",
	HealthNeedsAttention: "needs_attention",
	HealthCritical:       "critical",
}

func (h HealthStatus) String() string {
	if h < 0 || int(h) >= len(healthNames) {
		return fmt.Sprintf("health(%d)", int(h))
	}
	return healthNames[h]
}

// MarshalText encodes the status as its wire label.
func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses a wire label case-insensitively.
func (h *HealthStatus) UnmarshalText(text []byte) error {
	parsed, ok := ParseHealthStatus(string(text))
	if !ok {
		return fmt.Errorf("unknown health status %q", string(text))
	}
	*h = parsed
	return nil
}

// ParseHealthStatus matches one of the four labels, ignoring case and
// surrounding whitespace.
func ParseHealthStatus(label string) (HealthStatus, bool) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	for i, name := range healthNames {
		if name == normalized {
			return HealthStatus(i), true
		}
	}
	return 0, false
}

// AssessmentResponse is the validated output contract of the main model.
type AssessmentResponse struct {
	HealthStatus    HealthStatus `json:"health_status"`
	Confidence      float64      `json:"confidence"`
	Summary         string       `json:"summary"`
	Recommendations []string     `json:"recommendations"`
}

// ResponseQuality carries soft quality signals found while validating a
// response. They never cause rejection.
type ResponseQuality struct {
	ActionableRecommendations bool  `json:"actionable_recommendations"`
	NonActionable             []int `json:"non_actionable,omitempty"`
}

// SensorMetrics are the current readings of a plant and their targets.
type SensorMetrics struct {
	SoilMoisture       float64 `json:"soil_moisture"`
	SoilMoistureTarget float64 `json:"soil_moisture_target"`
	Light              float64 `json:"light"`
	LightTarget        float64 `json:"light_target"`
	Temperature        float64 `json:"temperature"`
	TemperatureTarget  float64 `json:"temperature_target"`
	Humidity           float64 `json:"humidity"`
	HumidityTarget     float64 `json:"humidity_target"`
}

// AssessmentRequest is one user-facing request for a plant assessment.
type AssessmentRequest struct {
	RequestID         string        `json:"request_id"`
	ContextID         string        `json:"context_id"`
	PlantType         string        `json:"plant_type"`
	Metrics           SensorMetrics `json:"metrics"`
	Message           string        `json:"message,omitempty"`
	AdditionalContext string        `json:"additional_context,omitempty"`
}
