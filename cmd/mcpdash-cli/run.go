package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ternarybob/mcpdash/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run <server> <tool>",
	Short: "Execute an MCP tool and follow its progress",
	Long: `Submits a tool_execution job for a server in the service's catalog and
prints progress until the job ends. Ctrl+C cancels the job.

Arguments are given as --arg key=value (values are parsed as JSON when
possible) or as a single JSON object with --args.`,
	Args: cobra.ExactArgs(2),
	RunE: runTool,
}

var (
	runArgs     []string
	runArgsJSON string
	runJobID    string
	runDetach   bool
)

func init() {
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "Tool argument as key=value (repeatable)")
	runCmd.Flags().StringVar(&runArgsJSON, "args", "", "Tool arguments as a JSON object")
	runCmd.Flags().StringVar(&runJobID, "id", "", "Job ID (generated when empty)")
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "Print the job ID and exit once the job is dispatched")
}

func runTool(cmd *cobra.Command, args []string) error {
	arguments, err := toolArguments(runArgsJSON, runArgs)
	if err != nil {
		return err
	}

	return submitAndTrack(cmd, models.SubmitRequest{
		JobID: runJobID,
		Kind:  models.JobKindToolExecution,
		Params: map[string]any{
			"server":    args[0],
			"tool":      args[1],
			"arguments": arguments,
		},
	}, runDetach)
}

func submitAndTrack(cmd *cobra.Command, req models.SubmitRequest, detach bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	jobID, err := s.SubmitRequest(ctx, req)
	if err != nil {
		return err
	}

	if detach {
		job, err := waitDispatched(ctx, s, jobID)
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusFailed {
			return finish(job)
		}
		fmt.Println(jobID)
		return nil
	}

	cyan.Printf("submitted %s (%s)\n", jobID, req.Kind)
	job, err := track(ctx, s, jobID)
	if err != nil {
		return err
	}
	return finish(job)
}

// toolArguments merges --args and --arg; --arg wins on conflicts
func toolArguments(rawJSON string, pairs []string) (map[string]any, error) {
	arguments := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &arguments); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--arg %q is not key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		arguments[key] = parsed
	}
	return arguments, nil
}
