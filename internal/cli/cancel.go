package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casni/casni/pkg/model"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a run",
		Long:  "Request cooperative cancellation of a run. Running containers are stopped on the scheduler's next pass; completed stages keep their outcomes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put("/api/v1/runs/"+id+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel run: %w", err)
			}

			var run model.Run
			if err := json.Unmarshal(resp.Data, &run); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Run %s: cancellation requested (state: %s)\n", run.ID, run.State)
			return nil
		},
	}
}
