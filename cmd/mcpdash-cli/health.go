package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the execution service and its channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := restClient().Health(ctx)
		if err != nil {
			red.Printf("service unreachable at %s\n", config.Client.ServerURL)
			return err
		}
		green.Print("▶ ")
		fmt.Printf("service   %s (version %s)\n", h.Status, h.Version)
		green.Print("▶ ")
		fmt.Printf("clients   %d\n", h.Clients)
		green.Print("▶ ")
		fmt.Printf("jobs      %d active\n", h.ActiveJobs)
		green.Print("▶ ")
		fmt.Printf("servers   %s\n", strings.Join(h.Servers, ", "))

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		green.Print("▶ ")
		fmt.Printf("channel   %s\n", s.ConnectionState())
		if st := s.Health(); st.LastError != "" {
			gray.Printf("          %s\n", st.LastError)
		}
		return nil
	},
}
