package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var stateFilter string
	var pipelineFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if stateFilter != "" {
				q.Set("state", stateFilter)
			}
			if pipelineFilter != "" {
				q.Set("pipeline_id", pipelineFilter)
			}
			path := "/api/v1/runs/"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			fmt.Printf("%-40s  %-10s  %-30s  %s\n", "ID", "STATE", "PIPELINE", "CREATED")
			fmt.Printf("%-40s  %-10s  %-30s  %s\n", "----", "-----", "--------", "-------")
			for _, run := range data {
				id, _ := run["id"].(string)
				state, _ := run["state"].(string)
				plName, _ := run["pipeline_name"].(string)
				createdAt, _ := run["created_at"].(string)
				fmt.Printf("%-40s  %-10s  %-30s  %s\n", id, state, plName, createdAt)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&stateFilter, "state", "", "Filter by run state")
	cmd.Flags().StringVar(&pipelineFilter, "pipeline", "", "Filter by pipeline ID")
	return cmd
}
