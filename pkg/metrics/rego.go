package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/plantwatch/pkg/domain"
)

const defaultGateEntrypoint = "plantwatch/gates/decision"

// RegoGateOptions configures a RegoGate.
type RegoGateOptions struct {
	// Entrypoint is the decision path, e.g. "plantwatch/gates/decision".
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
}

// PolicyDecision is the release decision of a gate policy. The policy must
// produce an object {"allow": bool, "violations": [string]}.
type PolicyDecision struct {
	Allow      bool     `json:"allow"`
	Violations []string `json:"violations,omitempty"`
}

// RegoGate evaluates an operator-supplied Rego policy over a snapshot, for
// release rules the fixed threshold gates cannot express.
type RegoGate struct {
	entrypoint string
	query      rego.PreparedEvalQuery
}

// NewRegoGate parses and prepares the policy modules.
func NewRegoGate(ctx context.Context, opts RegoGateOptions) (*RegoGate, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultGateEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("gate policy requires at least one rego module")
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := make([]func(*rego.Rego), 0, len(names)+1)
	regoOpts = append(regoOpts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile gate policy: %w", err)
	}
	return &RegoGate{entrypoint: entry, query: prepared}, nil
}

// LoadRegoGate reads a policy from a .rego file or from every .rego file in a
// directory.
func LoadRegoGate(ctx context.Context, path, entrypoint string) (*RegoGate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("gate policy: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("gate policy: %w", err)
		}
	}
	modules := make(map[string]string, len(files))
	for _, f := range files {
		src, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("gate policy: %w", err)
		}
		modules[filepath.Base(f)] = string(src)
	}
	return NewRegoGate(ctx, RegoGateOptions{Entrypoint: entrypoint, Modules: modules})
}

// Evaluate runs the policy with the rounded snapshot as input.
func (g *RegoGate) Evaluate(ctx context.Context, s domain.MetricsSnapshot) (PolicyDecision, error) {
	raw, err := json.Marshal(Rounded(s))
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("encode snapshot: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return PolicyDecision{}, fmt.Errorf("encode snapshot: %w", err)
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("gate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return PolicyDecision{Violations: []string{"gate policy " + g.entrypoint + " produced no decision"}}, nil
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return PolicyDecision{}, fmt.Errorf("gate policy: unexpected result type %T", results[0].Expressions[0].Value)
	}
	var decision PolicyDecision
	decision.Allow, _ = payload["allow"].(bool)
	if list, ok := payload["violations"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				decision.Violations = append(decision.Violations, s)
			}
		}
	}
	sort.Strings(decision.Violations)
	return decision, nil
}

// WithPolicy folds a policy decision into the report as a "policy" gate.
func (r GateReport) WithPolicy(d PolicyDecision) GateReport {
	value := 0.0
	if d.Allow {
		value = 1
	}
	r.Results = append(slices.Clone(r.Results), domain.GateResult{
		Name:      "policy",
		Value:     value,
		Threshold: 1,
		Passed:    d.Allow,
		MetTarget: d.Allow,
	})
	r.Passed = r.Passed && d.Allow
	return r
}
