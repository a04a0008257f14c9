package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var instanceID string

	cmd := &cobra.Command{
		Use:   "logs <run_id>",
		Short: "View stage logs for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			// If no instance specified, list instances first
			if instanceID == "" {
				resp, err := client.Get("/api/v1/runs/" + runID + "/instances/")
				if err != nil {
					return fmt.Errorf("list instances: %w", err)
				}

				var instances []map[string]any
				if err := json.Unmarshal(resp.Data, &instances); err != nil {
					return fmt.Errorf("parse instances response: %w", err)
				}

				if len(instances) == 0 {
					fmt.Println("No instances found.")
					return nil
				}

				// Show logs for all instances
				for _, in := range instances {
					iid, _ := in["id"].(string)
					stageID, _ := in["stage_id"].(string)
					if err := printInstanceLogs(runID, iid, stageID); err != nil {
						return err
					}
				}
				return nil
			}

			return printInstanceLogs(runID, instanceID, "")
		},
	}

	cmd.Flags().StringVarP(&instanceID, "instance", "i", "", "Specific instance ID")
	return cmd
}

func printInstanceLogs(runID, instanceID, stageID string) error {
	resp, err := client.Get("/api/v1/runs/" + runID + "/instances/" + instanceID + "/logs")
	if err != nil {
		return fmt.Errorf("get logs: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return fmt.Errorf("parse logs response: %w", err)
	}

	sid, _ := data["stage_id"].(string)
	if stageID != "" {
		sid = stageID
	}

	fmt.Printf("=== %s (%s) ===\n", sid, instanceID)

	if stdout, ok := data["stdout"].(string); ok && stdout != "" {
		fmt.Printf("[stdout]\n%s", stdout)
	}
	if stderr, ok := data["stderr"].(string); ok && stderr != "" {
		fmt.Printf("[stderr]\n%s", stderr)
	}

	if exitCode, ok := data["exit_code"].(float64); ok {
		fmt.Printf("[exit code: %d]\n", int(exitCode))
	}
	if reason, ok := data["reason"].(string); ok && reason != "" {
		fmt.Printf("[reason: %s]\n", reason)
	}
	fmt.Println()
	return nil
}
