package dlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// analyzerEntities maps managed analyzer entity types onto our categories.
var analyzerEntities = map[string]domain.PIICategory{
	"EMAIL_ADDRESS":  domain.PIIEmail,
	"PHONE_NUMBER":   domain.PIIPhone,
	"CREDIT_CARD":    domain.PIICard,
	"US_SSN":         domain.PIISSN,
	"US_BANK_NUMBER": domain.PIIBankAccount,
	"IP_ADDRESS":     domain.PIIIPAddress,
	"PERSON":         domain.PIIPerson,
	"LOCATION":       domain.PIILocation,
}

// RemoteConfig configures a managed analyzer detector.
type RemoteConfig struct {
	// Endpoint is the analyzer base URL; requests go to {Endpoint}/analyze.
	Endpoint string
	Language string
	// MinScore drops results the analyzer is less confident about.
	MinScore float64
	Timeout  time.Duration
}

// RemoteDetector delegates detection to a Presidio-compatible analyzer
// service. Its errors are ordinary detector errors and fall under the
// redactor's failure policy.
type RemoteDetector struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemoteDetector creates a detector for the analyzer at cfg.Endpoint.
func NewRemoteDetector(cfg RemoteConfig) (*RemoteDetector, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("dlp: remote analyzer endpoint is required")
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &RemoteDetector{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Name identifies the detector in logs.
func (d *RemoteDetector) Name() string { return "remote_analyzer" }

type analyzeRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Entities []string `json:"entities"`
}

type analyzeResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Detect posts text to the analyzer and converts its results.
func (d *RemoteDetector) Detect(ctx context.Context, text string) ([]Finding, error) {
	entities := make([]string, 0, len(analyzerEntities))
	for name := range analyzerEntities {
		entities = append(entities, name)
	}
	body, err := json.Marshal(analyzeRequest{Text: text, Language: d.cfg.Language, Entities: entities})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(d.cfg.Endpoint, "/") + "/analyze"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyzer request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("analyzer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var results []analyzeResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}

	offsets := runeOffsets(text)
	findings := make([]Finding, 0, len(results))
	for _, r := range results {
		category, ok := analyzerEntities[r.EntityType]
		if !ok || r.Score < d.cfg.MinScore {
			continue
		}
		if r.Start < 0 || r.End > len(offsets)-1 || r.End <= r.Start {
			return nil, fmt.Errorf("analyzer span [%d,%d) outside text", r.Start, r.End)
		}
		findings = append(findings, Finding{
			Detector: d.Name(),
			Category: category,
			Start:    offsets[r.Start],
			End:      offsets[r.End],
		})
	}
	return findings, nil
}

// runeOffsets maps character positions (as the analyzer reports them) to
// byte offsets. The final element is len(text).
func runeOffsets(text string) []int {
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}
