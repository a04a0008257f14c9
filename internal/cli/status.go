package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Check the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/runs/" + id)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			state, _ := data["state"].(string)
			plName, _ := data["pipeline_name"].(string)

			fmt.Printf("Run: %s\n", id)
			fmt.Printf("  Pipeline: %s\n", plName)
			fmt.Printf("  State:    %s\n", state)

			if is, ok := data["instance_summary"].(map[string]any); ok {
				fmt.Printf("  Stages:   ")
				total, _ := is["total"].(float64)
				succeeded, _ := is["succeeded"].(float64)
				running, _ := is["running"].(float64)
				pending, _ := is["pending"].(float64)
				retrying, _ := is["retrying"].(float64)
				failed, _ := is["failed"].(float64)
				cancelled, _ := is["cancelled"].(float64)
				fmt.Printf("%d total", int(total))
				if succeeded > 0 {
					fmt.Printf(", %d succeeded", int(succeeded))
				}
				if running > 0 {
					fmt.Printf(", %d running", int(running))
				}
				if retrying > 0 {
					fmt.Printf(", %d retrying", int(retrying))
				}
				if pending > 0 {
					fmt.Printf(", %d pending", int(pending))
				}
				if failed > 0 {
					fmt.Printf(", %d failed", int(failed))
				}
				if cancelled > 0 {
					fmt.Printf(", %d cancelled", int(cancelled))
				}
				fmt.Println()
			}

			if instances, ok := data["instances"].([]any); ok && len(instances) > 0 {
				fmt.Println("  Instances:")
				for _, in := range instances {
					inst, ok := in.(map[string]any)
					if !ok {
						continue
					}
					stageID, _ := inst["stage_id"].(string)
					iState, _ := inst["state"].(string)
					label := stageID
					if unit, ok := inst["unit"].(map[string]any); ok {
						subject, _ := unit["subject"].(string)
						session, _ := unit["session"].(string)
						if session != "" {
							label = fmt.Sprintf("%s [%s/%s]", stageID, subject, session)
						} else {
							label = fmt.Sprintf("%s [%s]", stageID, subject)
						}
					}
					if attempt, ok := inst["attempt"].(float64); ok && attempt > 1 {
						fmt.Printf("    - %s: %s (attempt %d)\n", label, iState, int(attempt))
					} else {
						fmt.Printf("    - %s: %s\n", label, iState)
					}
				}
			}

			if createdAt, ok := data["created_at"].(string); ok {
				fmt.Printf("  Created:  %s\n", createdAt)
			}
			if completedAt, ok := data["completed_at"].(string); ok && completedAt != "" {
				fmt.Printf("  Completed: %s\n", completedAt)
			}

			return nil
		},
	}
}
