package dataset

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ds, err := Load(filepath.Join("testdata", "golden.json"))
	require.NoError(t, err)
	require.Len(t, ds.Examples, 2)

	ex := ds.Examples[0]
	assert.Equal(t, "watering", ex.Category)
	assert.Equal(t, "needs_attention", ex.Expected["health_status"])

	req := ex.Request()
	assert.Equal(t, "gd-001", req.RequestID)
	assert.Equal(t, "Monstera deliciosa", req.PlantType)
	assert.Equal(t, 18.0, req.Metrics.SoilMoisture)
	assert.Equal(t, 45.0, req.Metrics.SoilMoistureTarget)
	assert.Equal(t, 10000.0, req.Metrics.LightTarget)
	assert.Equal(t, "Leaves started curling two days ago", req.AdditionalContext)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", `{"examples": []}`},
		{"missing id", `{"examples": [{"input": {"plant_type": "Fern"}}]}`},
		{"duplicate id", `{"examples": [{"id": "a", "input": {"plant_type": "Fern"}}, {"id": "a", "input": {"plant_type": "Fern"}}]}`},
		{"missing plant", `{"examples": [{"id": "a", "input": {}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrConfigInvalid))
		})
	}

	_, err := Parse([]byte(`not json`))
	require.Error(t, err)
}

func TestLimit(t *testing.T) {
	ds := Dataset{Examples: []Example{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	assert.Len(t, ds.Limit(0), 3)
	assert.Len(t, ds.Limit(2), 2)
	assert.Len(t, ds.Limit(10), 3)
}
