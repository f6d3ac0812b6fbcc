package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sensorhub/internal/bus"
	"sensorhub/internal/discovery"
	"sensorhub/internal/registry"
)

func (c *cli) discoverCmd() *cobra.Command {
	var busName string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the I2C bus for supported sensors and print a sensors file",
		Long: "Scan the I2C bus, directly and behind PCA9548 multiplexers, for BME280,\n" +
			"LTR-329 and MPU6050 chips. The result is printed in the sensors file format.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("bus") {
				busName = c.cfg.I2CBus()
			}

			buses := bus.NewManager(c.logger)
			defer buses.Close()

			b, err := buses.Open(busName)
			if err != nil {
				return err
			}

			found, err := discovery.NewScanner(b, busName, c.logger).Scan()
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			c.logger.Info().Int("sensors", len(found)).Msg("Scan complete")

			return registry.Encode(cmd.OutOrStdout(), found)
		},
	}

	cmd.Flags().StringVar(&busName, "bus", "", "I2C bus name (default: configured bus)")
	return cmd
}
