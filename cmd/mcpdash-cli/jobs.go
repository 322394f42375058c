package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/mcpdash/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := restClient().Progress(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		ev, ok := models.EventFromMessage(msg, models.SourcePoller)
		if !ok {
			return fmt.Errorf("unexpected %s message for %s", msg.Type, args[0])
		}
		printEvent(ev)
		if msg.Type == models.MessageTypeCompleted && len(msg.Result) > 0 {
			fmt.Println(indent(msg.Result))
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := restClient().Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		yellow.Printf("cancellation requested for %s\n", args[0])
		return nil
	},
}
