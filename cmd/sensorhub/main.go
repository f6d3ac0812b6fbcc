package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sensorhub/internal/config"
	"sensorhub/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

// cli holds state shared by subcommands
type cli struct {
	envFile string
	cfg     *config.Config
	logger  zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "sensorhub",
		Short:         "Poll I2C and GPIO sensors and store their readings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env", ".env", "configuration file")

	root.AddCommand(
		c.collectCmd(),
		c.sensorsCmd(),
		c.readingsCmd(),
		c.pruneCmd(),
		c.discoverCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel(), cfg.LogFormat())
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logger
	c.logger.Debug().Str("config", cfg.String()).Msg("Configuration loaded")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// no configuration needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sensorhub %s\n", Version)
		},
	}
}
