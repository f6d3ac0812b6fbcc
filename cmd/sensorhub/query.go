package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"sensorhub/internal/sensor"
	"sensorhub/internal/storage"
)

func (c *cli) openReadOnly() (*storage.BoltStorage, error) {
	return storage.Open(c.cfg.DBPath(), storage.Options{ReadOnly: true})
}

func (c *cli) sensorsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sensors",
		Short: "List known sensors and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openReadOnly()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListSensors()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDRIVER\tTYPE\tCONFIGURED\tSTATUS\tFAILURES\tREADINGS\tLAST READING")
			for _, r := range records {
				last := "-"
				if !r.LastReadingAt.IsZero() {
					last = r.LastReadingAt.Local().Format(time.DateTime)
				}
				status := string(r.LastStatus)
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%d\t%d\t%s\n",
					r.ID, r.Driver, r.Type, r.Configured, status, r.ErrorCount, r.ReadingCount, last)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) readingsCmd() *cobra.Command {
	var (
		since  time.Duration
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "readings [sensor-id]",
		Short: "Show the latest readings, or the history of one sensor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openReadOnly()
			if err != nil {
				return err
			}
			defer store.Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}

			var readings []sensor.Reading
			switch {
			case len(args) == 1:
				if _, err := store.GetSensor(args[0]); err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				readings, err = store.History(args[0], from, limit)
			case since > 0:
				readings, err = store.Recent(from, limit)
			default:
				readings, err = store.LatestAll()
			}
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), readings)
			}
			return printReadings(cmd.OutOrStdout(), readings)
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only readings newer than this, e.g. 1h")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of readings (0 = no limit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printReadings(w io.Writer, readings []sensor.Reading) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSENSOR\tTICK\tSTATUS\tVALUES")
	for _, r := range readings {
		values := formatValues(r.Values)
		if r.Status != sensor.StatusOK && r.Error != "" {
			values = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.SensorID, r.Tick, r.Status, values)
	}
	return tw.Flush()
}

func formatValues(values map[string]float64) string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		part := fmt.Sprintf("%s=%g", name, values[name])
		if unit := sensor.Unit(name); unit != "" {
			part += unit
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

func (c *cli) pruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("older-than") {
				olderThan = c.cfg.Retention()
			}
			if olderThan <= 0 {
				return fmt.Errorf("retention is disabled, pass --older-than")
			}

			store, err := storage.NewBoltStorage(c.cfg.DBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().Add(-olderThan)
			n, err := store.Prune(cutoff)
			if err != nil {
				return err
			}
			c.logger.Info().
				Int("deleted", n).
				Time("before", cutoff).
				Msg("Old readings pruned")
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d readings older than %s\n", n, cutoff.Local().Format(time.DateTime))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age of the readings to delete (default: configured retention)")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
