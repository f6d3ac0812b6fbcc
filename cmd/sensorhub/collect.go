package main

import (
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"sensorhub/internal/app"
)

func (c *cli) collectCmd() *cobra.Command {
	var (
		once     bool
		interval time.Duration
		save     bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the polling loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval > 0 && save {
				if err := c.cfg.SetPollInterval(interval); err != nil {
					return err
				}
				c.logger.Info().Dur("interval", interval).Str("file", c.cfg.FilePath()).Msg("Poll interval saved")
			}

			a, err := app.New(c.cfg, c.logger, app.Options{Interval: interval})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					c.logger.Error().Err(err).Msg("Shutdown incomplete")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				res := a.Poller().Tick(ctx)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			if addr := c.cfg.OpsAddr(); addr != "" {
				printAccessURLs(cmd, addr)
			}
			return a.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and print the result")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval, overrides the configuration")
	cmd.Flags().BoolVar(&save, "save", false, "write --interval back to the configuration file")
	return cmd
}

// getLocalIPs returns all non-loopback IPv4 addresses
func getLocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}

			ips = append(ips, ip.String())
		}
	}

	return ips
}

// printAccessURLs prints where the ops endpoints can be reached
func printAccessURLs(cmd *cobra.Command, addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	out := cmd.OutOrStdout()

	ips := []string{host}
	if host == "" || host == "0.0.0.0" {
		ips = getLocalIPs()
	}
	if len(ips) == 0 {
		ips = []string{"localhost"}
	}

	fmt.Fprintln(out, "\nOps endpoints:")
	for _, ip := range ips {
		base := "http://" + net.JoinHostPort(ip, port)
		fmt.Fprintf(out, "  %s\n", strings.Join([]string{base + "/healthz", base + "/metrics"}, "  "))
	}
	fmt.Fprintln(out)
}
