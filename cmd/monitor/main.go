package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-cqrs"
	"github.com/glimte/mmate-cqrs/health"
	"github.com/glimte/mmate-cqrs/messaging"
	"github.com/glimte/mmate-cqrs/monitor"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// probe is echoed by the probe handler
type probe struct {
	Seq    int       `json:"seq"`
	SentAt time.Time `json:"sentAt"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmate-monitor",
		Short: "Inspect and probe mmate transports",
		Long: `mmate-monitor reads the transport directory from the environment
(<prefix><ID>_BROKER, _LOGIN, _PASSWORD, _MESSAGING, _JAIL_STRATEGY) and checks
how logical destinations resolve and whether messages make a round trip.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		prefix  string
		ids     []string
		verbose bool
	)
	rootCmd.PersistentFlags().StringVarP(&prefix, "prefix", "p", "MMATE_", "Environment variable prefix")
	rootCmd.PersistentFlags().StringSliceVarP(&ids, "transport", "t", []string{"main"}, "Transport ids to load")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	newClient := func(opts ...mmate.ClientOption) (*mmate.Client, error) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		opts = append([]mmate.ClientOption{mmate.WithLogger(logger)}, opts...)
		return mmate.NewClientFromEnv(prefix, ids, opts...)
	}

	transportsCmd := &cobra.Command{
		Use:   "transports",
		Short: "List the configured transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			printTransports(client)
			return nil
		},
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <transport> <destination...>",
		Short: "Show the physical names of logical destinations",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Printf("%-40s %-40s\n", "Logical", "Physical")
			fmt.Println(strings.Repeat("-", 80))
			for _, logical := range args[1:] {
				physical, err := client.Resolver().PhysicalName(args[0], logical)
				if err != nil {
					return err
				}
				fmt.Printf("%-40s %-40s\n", truncate(logical, 40), truncate(physical, 40))
			}
			return nil
		},
	}

	var (
		count       int
		interval    time.Duration
		timeout     time.Duration
		metricsAddr string
	)
	probeCmd := &cobra.Command{
		Use:   "probe <transport> <destination>",
		Short: "Send request/reply probes through a destination",
		Long:  "Registers an echo handler on the destination and measures the round trip of each probe. A count of 0 probes until interrupted.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			registry := prometheus.NewRegistry()
			collector, err := monitor.NewPrometheusCollector(registry)
			if err != nil {
				return err
			}

			client, err := newClient(
				mmate.WithMessageType("MmateProbe", probe{}),
				mmate.WithMetrics(collector))
			if err != nil {
				return err
			}
			defer client.Close()

			if metricsAddr != "" {
				server := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
					}
				}()
				defer server.Close()
				fmt.Printf("Serving metrics on %s/metrics\n", metricsAddr)
			}

			return runProbes(ctx, client.Messaging(), messaging.NewEndpoint(args[0], args[1]), count, interval, timeout)
		},
	}
	probeCmd.Flags().IntVarP(&count, "count", "n", 5, "Number of probes, 0 for no limit")
	probeCmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Delay between probes")
	probeCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Reply timeout per probe")
	probeCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while probing")

	var checkTimeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check that every configured transport is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			registry := health.NewRegistry()
			registry.SetMetadata("version", version)
			for _, id := range client.Resolver().Transports() {
				registry.Register(health.NewTransportChecker(id, client.Messaging()))
			}
			registry.Register(health.NewRuntimeChecker(500, 1000))

			ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
			defer cancel()

			report := registry.Check(ctx)
			printHealth(report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("system is %s", report.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVar(&checkTimeout, "timeout", 10*time.Second, "Overall check timeout")

	rootCmd.AddCommand(transportsCmd, resolveCmd, probeCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runProbes(ctx context.Context, engine *messaging.Engine, ep messaging.Endpoint, count int, interval, timeout time.Duration) error {
	probeType := reflect.TypeOf(probe{})
	sub, err := engine.RegisterHandler(ep, probeType, func(request any) (any, error) {
		return request, nil
	})
	if err != nil {
		return fmt.Errorf("failed to register probe handler at %s: %w", ep, err)
	}
	defer sub.Close()

	fmt.Printf("Probing %s... Press Ctrl+C to stop\n", ep)
	fmt.Printf("%-8s %-15s %-40s\n", "Seq", "Round trip", "Result")
	fmt.Println(strings.Repeat("-", 64))

	var failures int
	for seq := 1; count == 0 || seq <= count; seq++ {
		rtt, err := sendProbe(ctx, engine, ep, seq, timeout)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			fmt.Printf("%-8d %-15s %-40s\n", seq, "-", truncate(err.Error(), 40))
		default:
			fmt.Printf("%-8d %-15s %-40s\n", seq, rtt.Round(time.Microsecond), "ok")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d probes failed", failures, count)
	}
	return nil
}

func sendProbe(ctx context.Context, engine *messaging.Engine, ep messaging.Endpoint, seq int, timeout time.Duration) (time.Duration, error) {
	type result struct {
		rtt time.Duration
		err error
	}
	done := make(chan result, 1)

	sent := time.Now()
	_, err := engine.SendRequest(ctx, ep, probe{Seq: seq, SentAt: sent}, reflect.TypeOf(probe{}),
		func(reply any, err error) {
			if err == nil {
				if p, ok := reply.(probe); !ok || p.Seq != seq {
					err = fmt.Errorf("unexpected reply %v", reply)
				}
			}
			done <- result{rtt: time.Since(sent), err: err}
		},
		messaging.WithTimeout(timeout))
	if err != nil {
		return 0, err
	}

	select {
	case r := <-done:
		return r.rtt, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func printTransports(client *mmate.Client) {
	ids := client.Resolver().Transports()
	if len(ids) == 0 {
		fmt.Println("No transports configured")
		return
	}
	sort.Strings(ids)

	fmt.Printf("%-15s %-10s %-35s %-15s\n", "Transport", "Messaging", "Broker", "Jail")
	fmt.Println(strings.Repeat("-", 78))
	for _, id := range ids {
		info, _ := client.Resolver().GetTransport(id)
		jail := info.JailStrategyName
		if jail == "" {
			jail = "None"
		}
		fmt.Printf("%-15s %-10s %-35s %-15s\n",
			truncate(id, 15),
			info.Messaging,
			truncate(info.Broker, 35),
			jail,
		)
	}
}

func printHealth(report health.OverallHealth) {
	fmt.Printf("System Health: %s (%s)\n", report.Status, report.Duration.Round(time.Millisecond))
	fmt.Printf("%-25s %-10s %-45s\n", "Check", "Status", "Message")
	fmt.Println(strings.Repeat("-", 82))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := report.Checks[name]
		message := c.Message
		if c.Error != "" {
			message += ": " + c.Error
		}
		fmt.Printf("%-25s %-10s %-45s\n", truncate(name, 25), c.Status, truncate(message, 45))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
