package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/polisai/plantwatch/pkg/config"
	"github.com/polisai/plantwatch/pkg/dataset"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/metrics"
	"github.com/polisai/plantwatch/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

// Example outcomes in an eval report.
const (
	exampleScored          = "scored"
	exampleUnscored        = "unscored"
	exampleAssessmentError = "assessment_failed"
	exampleJudgeError      = "judge_failed"
)

type evalOptions struct {
	dataset      string
	limit        int
	output       string
	baseline     string
	saveBaseline string
}

// evalReport is written by --output and read back by --baseline.
type evalReport struct {
	RunAt      time.Time               `json:"run_at"`
	Dataset    string                  `json:"dataset"`
	Model      string                  `json:"model"`
	JudgeModel string                  `json:"judge_model,omitempty"`
	Examples   []exampleResult         `json:"examples"`
	Summary    *domain.MetricsSnapshot `json:"summary,omitempty"`
	Policy     *metrics.PolicyDecision `json:"policy,omitempty"`
	Baseline   []metrics.Delta         `json:"baseline_deltas,omitempty"`
}

type exampleResult struct {
	ID       string                   `json:"id"`
	Category string                   `json:"category,omitempty"`
	Status   string                   `json:"status"`
	Error    string                   `json:"error,omitempty"`
	Expected map[string]any           `json:"expected,omitempty"`
	Record   *domain.EvaluationRecord `json:"record,omitempty"`
}

func newEvalCmd(flags *globalFlags) *cobra.Command {
	opts := evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score the golden dataset with the judge and check quality gates",
		Long: `Runs every golden dataset example through the assessment model, scores each
response with the LLM judge, aggregates the scores and checks them against
the configured quality gates. Exits non-zero when any gate fails, so it can
guard releases in CI.

--baseline takes a previous --output report, or the name of a baseline saved
with --save-baseline in the configured store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEval(cmd.Context(), flags, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.dataset, "dataset", "d", "data/golden_dataset.json", "Golden dataset JSON file")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Evaluate only the first N examples")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the full JSON report to this file")
	cmd.Flags().StringVar(&opts.baseline, "baseline", "", "Compare against a previous report file or saved baseline name")
	cmd.Flags().StringVar(&opts.saveBaseline, "save-baseline", "", "Save this run's summary under the given name")
	return cmd
}

func runEval(ctx context.Context, flags *globalFlags, opts evalOptions, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	ds, err := dataset.Load(opts.dataset)
	if err != nil {
		return err
	}

	// Runs score into their own store so production records never mix
	// into the release decision.
	a, err := newApp(ctx, cfg, logger, appOptions{store: storage.NewMemoryStore()})
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()

	report := evalReport{
		RunAt:   time.Now().UTC(),
		Dataset: opts.dataset,
		Model:   cfg.LLM.Model,
	}
	if a.scorer != nil {
		report.JudgeModel = cfg.LLM.JudgeModel
	}

	examples := ds.Limit(opts.limit)
	records := make([]domain.EvaluationRecord, 0, len(examples))
	for i, ex := range examples {
		fmt.Fprintf(stderr, "[%d/%d] %s\n", i+1, len(examples), ex.ID)
		result, rec := evaluateExample(ctx, a, ex)
		report.Examples = append(report.Examples, result)
		if rec != nil {
			records = append(records, *rec)
		}
	}

	summary, err := metrics.AggregateRecords(records)
	if err != nil {
		printExamples(stdout, report)
		if errors.Is(err, domain.ErrInsufficientData) {
			return fmt.Errorf("no example could be scored: %w", err)
		}
		return err
	}
	gateReport := cfg.QualityGates.Evaluate(summary)
	if a.policy != nil {
		decision, err := a.policy.Evaluate(ctx, summary)
		if err != nil {
			return fmt.Errorf("evaluate gate policy: %w", err)
		}
		report.Policy = &decision
		gateReport = gateReport.WithPolicy(decision)
	}
	summary = metrics.Rounded(gateReport.Apply(summary))
	summary.GeneratedAt = report.RunAt
	report.Summary = &summary

	if opts.baseline != "" {
		baseline, err := loadBaseline(ctx, cfg.Store, opts.baseline)
		if err != nil {
			return err
		}
		report.Baseline = metrics.CompareBaseline(baseline, summary)
	}

	printExamples(stdout, report)
	printSummary(stdout, report)

	if opts.output != "" {
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if err := os.WriteFile(opts.output, pretty.Pretty(data), 0o600); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Fprintf(stdout, "\nReport written to %s\n", opts.output)
	}

	if opts.saveBaseline != "" {
		store, err := openStore(cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = store.Close() }()
		if err := store.SaveBaseline(ctx, opts.saveBaseline, summary); err != nil {
			return fmt.Errorf("save baseline: %w", err)
		}
	}

	if !summary.Passed {
		return errGatesFailed
	}
	return nil
}

// evaluateExample assesses and scores one example. The record is nil when
// no response was produced.
func evaluateExample(ctx context.Context, a *app, ex dataset.Example) (exampleResult, *domain.EvaluationRecord) {
	result := exampleResult{ID: ex.ID, Category: ex.Category, Expected: ex.Expected}

	req := ex.Request()
	assessed, err := a.assessor.Assess(ctx, req, req.Message)
	if err != nil {
		result.Status = exampleAssessmentError
		result.Error = err.Error()
		return result, nil
	}

	rec := domain.EvaluationRecord{
		RequestID:         req.RequestID,
		Timestamp:         time.Now().UTC(),
		ContextID:         req.ContextID,
		PlantType:         req.PlantType,
		Metrics:           req.Metrics,
		Input:             req.Message,
		AdditionalContext: req.AdditionalContext,
		Response:          assessed.Response,
		Quality:           assessed.Quality,
		Model:             assessed.Model,
		PromptVariant:     assessed.PromptVariant,
	}
	if err := a.sink.Process(ctx, rec); err != nil {
		result.Status = exampleJudgeError
		result.Error = err.Error()
		return result, nil
	}
	stored, err := a.store.Get(ctx, rec.RequestID)
	if err != nil {
		result.Status = exampleJudgeError
		result.Error = err.Error()
		return result, nil
	}

	result.Record = &stored
	result.Status = exampleScored
	if !stored.Scored() {
		result.Status = exampleUnscored
		result.Error = stored.UnscoredReason
	}
	return result, &stored
}

func loadBaseline(ctx context.Context, cfg config.StoreConfig, ref string) (domain.MetricsSnapshot, error) {
	if data, err := os.ReadFile(ref); err == nil {
		var prev evalReport
		if err := json.Unmarshal(data, &prev); err != nil {
			return domain.MetricsSnapshot{}, fmt.Errorf("decode baseline report: %w", err)
		}
		if prev.Summary == nil {
			return domain.MetricsSnapshot{}, fmt.Errorf("baseline report %s has no summary", ref)
		}
		return *prev.Summary, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return domain.MetricsSnapshot{}, fmt.Errorf("read baseline: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return domain.MetricsSnapshot{}, fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	snap, err := store.Baseline(ctx, ref)
	if err != nil {
		return domain.MetricsSnapshot{}, fmt.Errorf("load baseline %q: %w", ref, err)
	}
	return snap, nil
}

func printExamples(w io.Writer, report evalReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tSTATUS\tOVERALL\tHALLUCINATION\tSAFE")
	for _, ex := range report.Examples {
		overall, halluc, safe := "-", "-", "-"
		if ex.Record != nil && ex.Record.Scored() {
			s := ex.Record.Score
			overall = strconv.Itoa(s.Overall)
			halluc = strconv.FormatBool(s.Hallucination.Detected)
			safe = strconv.FormatBool(s.Safety.Passed)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", ex.ID, ex.Category, ex.Status, overall, halluc, safe)
	}
	_ = tw.Flush()
}

func printSummary(w io.Writer, report evalReport) {
	s := report.Summary
	fmt.Fprintf(w, "\nScored %d examples (%d unscored)\n", s.Scored, s.Unscored)
	fmt.Fprintf(w, "  accuracy %.2f  relevance %.2f  urgency %.2f  overall %.2f\n",
		s.MeanAccuracy, s.MeanRelevance, s.MeanUrgency, s.MeanOverall)
	fmt.Fprintf(w, "  hallucination rate %.3f  safety pass rate %.3f\n", s.HallucinationRate, s.SafetyPassRate)
	if s.ActionableRate != nil {
		fmt.Fprintf(w, "  actionable responses %.3f\n", *s.ActionableRate)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nGATE\tVALUE\tTHRESHOLD\tPASSED\tTARGET MET")
	for _, g := range s.Gates {
		fmt.Fprintf(tw, "%s\t%g\t%g\t%t\t%t\n", g.Name, g.Value, g.Threshold, g.Passed, g.MetTarget)
	}
	_ = tw.Flush()

	if report.Policy != nil {
		for _, v := range report.Policy.Violations {
			fmt.Fprintf(w, "policy violation: %s\n", v)
		}
	}

	if len(report.Baseline) > 0 {
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\nMETRIC\tBASELINE\tCURRENT\tCHANGE")
		for _, d := range report.Baseline {
			fmt.Fprintf(tw, "%s\t%g\t%g\t%+g\n", d.Metric, d.Baseline, d.Current, d.Change)
		}
		_ = tw.Flush()
		for _, d := range metrics.Regressions(report.Baseline) {
			fmt.Fprintf(w, "regressed: %s (%+g)\n", d.Metric, d.Change)
		}
	}

	if s.Passed {
		fmt.Fprintln(w, "\nAll quality gates passed")
	} else {
		fmt.Fprintln(w, "\nQuality gates FAILED")
	}
}
