package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/casni/casni/pkg/model"
)

// datasetFile is the on-disk shape of a dataset descriptor.
type datasetFile struct {
	Root  string `yaml:"root"`
	Units []struct {
		Subject string `yaml:"subject"`
		Session string `yaml:"session"`
	} `yaml:"units"`
}

func newSubmitCmd() *cobra.Command {
	var datasetPath string

	cmd := &cobra.Command{
		Use:   "submit <pipeline.yaml>",
		Short: "Submit a pipeline run against a dataset",
		Long:  "Register a pipeline definition with the casni server, then submit a run against the given dataset.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelinePath := args[0]

			if datasetPath == "" {
				return fmt.Errorf("--dataset is required")
			}

			// 1. Register the pipeline (idempotent by content hash).
			raw, err := os.ReadFile(pipelinePath)
			if err != nil {
				return fmt.Errorf("read pipeline: %w", err)
			}
			logger.Info("registering pipeline", "path", pipelinePath)

			pipelineID, err := registerPipeline(string(raw))
			if err != nil {
				return err
			}
			fmt.Printf("Pipeline registered: %s\n", pipelineID)

			// 2. Read dataset descriptor
			dsData, err := os.ReadFile(datasetPath)
			if err != nil {
				return fmt.Errorf("read dataset: %w", err)
			}
			var ds datasetFile
			if err := yaml.Unmarshal(dsData, &ds); err != nil {
				return fmt.Errorf("parse dataset: %w", err)
			}
			logger.Debug("parsed dataset", "root", ds.Root, "units", len(ds.Units))

			dataset := model.DatasetDescriptor{Root: ds.Root}
			for _, u := range ds.Units {
				dataset.Units = append(dataset.Units, model.DatasetUnit{Subject: u.Subject, Session: u.Session})
			}

			// 3. POST /api/v1/runs
			runReq := model.SubmitRunRequest{
				PipelineID: pipelineID,
				Dataset:    dataset,
			}
			runResp, err := client.Post("/api/v1/runs/", runReq)
			if err != nil {
				return fmt.Errorf("submit run: %w", err)
			}

			var runData map[string]any
			if err := json.Unmarshal(runResp.Data, &runData); err != nil {
				return fmt.Errorf("parse run response: %w", err)
			}
			runID, ok := runData["id"].(string)
			if !ok {
				return fmt.Errorf("run response missing 'id' field")
			}
			state, _ := runData["state"].(string)

			instances := 0
			if summary, ok := runData["instance_summary"].(map[string]any); ok {
				if total, ok := summary["total"].(float64); ok {
					instances = int(total)
				}
			}

			fmt.Printf("Run submitted: %s (state: %s, instances: %d)\n", runID, state, instances)
			return nil
		},
	}

	cmd.Flags().StringVarP(&datasetPath, "dataset", "d", "", "Dataset descriptor file (YAML)")
	return cmd
}

// registerPipeline posts the pipeline YAML and returns the pipeline ID.
// A CONFLICT response means the same definition is already registered;
// the existing ID is reused.
func registerPipeline(rawYAML string) (string, error) {
	resp, err := client.Post("/api/v1/pipelines/", map[string]any{"yaml": rawYAML})
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrConflict {
			if id := existingPipelineID(apiErr.Message); id != "" {
				logger.Debug("pipeline already registered", "id", id)
				return id, nil
			}
		}
		return "", fmt.Errorf("create pipeline: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("parse pipeline response: %w", err)
	}
	id, ok := data["id"].(string)
	if !ok {
		return "", fmt.Errorf("pipeline response missing 'id' field")
	}
	return id, nil
}

// existingPipelineID extracts the pipeline ID from a conflict message of
// the form "pipeline already registered as <id>".
func existingPipelineID(msg string) string {
	const marker = "registered as "
	i := strings.LastIndex(msg, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(msg[i+len(marker):])
}
