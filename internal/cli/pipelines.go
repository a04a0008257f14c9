package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPipelinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Manage registered pipelines",
	}
	cmd.AddCommand(newPipelinesListCmd(), newPipelinesRegisterCmd())
	return cmd
}

func newPipelinesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/pipelines/")
			if err != nil {
				return fmt.Errorf("list pipelines: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No pipelines found.")
				return nil
			}

			fmt.Printf("%-40s  %-30s  %-7s  %s\n", "ID", "NAME", "STAGES", "CREATED")
			fmt.Printf("%-40s  %-30s  %-7s  %s\n", "----", "----", "------", "-------")
			for _, p := range data {
				id, _ := p["id"].(string)
				name, _ := p["name"].(string)
				createdAt, _ := p["created_at"].(string)
				stages := 0
				if ss, ok := p["stages"].([]any); ok {
					stages = len(ss)
				}
				fmt.Printf("%-40s  %-30s  %-7d  %s\n", id, name, stages, createdAt)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}

			return nil
		},
	}
}

func newPipelinesRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <pipeline.yaml>",
		Short: "Register a pipeline definition without submitting a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read pipeline: %w", err)
			}

			id, err := registerPipeline(string(raw))
			if err != nil {
				return err
			}

			fmt.Printf("Pipeline registered: %s\n", id)
			return nil
		},
	}
}
