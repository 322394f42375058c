// -----------------------------------------------------------------------
// mcpdash-cli - submits jobs to the execution service and tracks them
// -----------------------------------------------------------------------

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/session"
	"github.com/ternarybob/mcpdash/internal/transport/rest"
)

const binaryName = "mcpdash-cli"

var (
	configFiles []string
	serverURL   string
	clientID    string
	logLevel    string

	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:               binaryName,
	Short:             "Submit and track MCP tool executions and repository scans",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	flags.StringVar(&serverURL, "server", "", "Execution service URL (overrides config)")
	flags.StringVar(&clientID, "client-id", "", "Client identity presented to the service (generated when empty)")
	flags.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd, scanCmd, statusCmd, cancelCmd, healthCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if len(configFiles) == 0 {
		if _, err := os.Stat("mcpdash.toml"); err == nil {
			configFiles = append(configFiles, "mcpdash.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return err
	}

	if serverURL != "" {
		config.Client.ServerURL = serverURL
	}
	if clientID != "" {
		config.Client.ClientID = clientID
	}
	config.Logging.Level = logLevel

	if err := config.Validate(); err != nil {
		return err
	}

	logger = common.InitLogger(config, binaryName)
	return nil
}

// openSession starts a tracking session against the configured service
func openSession(ctx context.Context) (*session.Session, error) {
	s, err := session.New(config.Client, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// restClient is used by commands that address jobs this process did not submit
func restClient() *rest.Client {
	timeout := common.ParseDuration(config.Client.RequestTimeout, 10*time.Second)
	return rest.NewClient(config.Client.ServerURL, config.Client.ClientID, timeout, logger)
}
