package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/polisai/plantwatch/internal/server"
	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

func newAssessCmd(flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess one request read from a JSON file or stdin",
		Long: `Runs one request through the guardrail and the assessment model and prints
the result. The request uses the POST /v1/assessments body:

  {"plant_type": "Monstera", "metrics": {"soil_moisture": 20, "soil_moisture_target": 40, ...},
   "message": "why are the leaves curling?"}`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open request: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			var body server.AssessmentRequest
			if err := json.NewDecoder(in).Decode(&body); err != nil {
				return fmt.Errorf("decode request: %w", err)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.close(ctx) }()

			res, err := a.pipeline.Handle(ctx, domain.AssessmentRequest{
				RequestID:         body.RequestID,
				PlantType:         body.PlantType,
				Metrics:           body.Metrics,
				Message:           body.Message,
				AdditionalContext: body.AdditionalContext,
			})
			if err != nil {
				return err
			}
			return writePretty(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Request JSON file, - for stdin")
	return cmd
}

func writePretty(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(pretty.Pretty(data))
	return err
}
