package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ternarybob/mcpdash/internal/models"
	"github.com/ternarybob/mcpdash/internal/worker"
)

var scanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Grade a repository on the service host",
	Long:  `Submits a scan job for a directory on the service host and prints the scorecard.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

var (
	scanJobID  string
	scanDetach bool
	scanRaw    bool
)

func init() {
	scanCmd.Flags().StringVar(&scanJobID, "id", "", "Job ID (generated when empty)")
	scanCmd.Flags().BoolVarP(&scanDetach, "detach", "d", false, "Print the job ID and exit once the job is dispatched")
	scanCmd.Flags().BoolVar(&scanRaw, "json", false, "Print the raw scorecard")
}

func runScan(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	req := models.SubmitRequest{
		JobID:  scanJobID,
		Kind:   models.JobKindScan,
		Params: map[string]any{"path": path},
	}
	if scanDetach || scanRaw {
		return submitAndTrack(cmd, req, scanDetach)
	}

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
	cyan.Printf("scanning %s as %s\n", path, jobID)

	job, err := track(ctx, s, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusCompleted {
		return finish(job)
	}

	var report worker.BasicReport
	if err := json.Unmarshal(job.Result, &report); err != nil {
		fmt.Println(indent(job.Result))
		return nil
	}
	printReport(report)
	return nil
}

func printReport(r worker.BasicReport) {
	fmt.Println()
	fmt.Printf("%s: %d files, %d bytes\n", r.Root, r.Files, r.Bytes)

	checks := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		checks = append(checks, name)
	}
	sort.Strings(checks)
	for _, name := range checks {
		if r.Checks[name] {
			green.Printf("  ✓ %s\n", name)
		} else {
			red.Printf("  ✗ %s\n", name)
		}
	}

	score := green
	if r.Score < 60 {
		score = yellow
	}
	score.Printf("score %.0f\n", r.Score)
}
