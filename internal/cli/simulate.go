package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/farmsync/internal/adapter"
	"github.com/me/farmsync/internal/aggregate"
	"github.com/me/farmsync/internal/farm"
	"github.com/me/farmsync/internal/farmsim"
	"github.com/me/farmsync/internal/hostsim"
)

func newSimulateCmd() *cobra.Command {
	var (
		farmURL      string
		scenario     string
		run          hostsim.Config
		pushWindow   time.Duration
		pullWindow   time.Duration
		tickInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a simulated host against a farm",
		Long: "simulate generates work items from a scenario, feeds them through the adapter\n" +
			"and reports how the session went. Without --farm an in-process farm is used.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes := hostsim.DefaultNodes()
			if scenario != "" {
				var err error
				if nodes, err = hostsim.LoadScenario(scenario); err != nil {
					return err
				}
			}
			host, err := hostsim.NewHost(nodes, logger)
			if err != nil {
				return fmt.Errorf("scenario: %w", err)
			}

			var client farm.Client
			if farmURL == "" {
				st, err := farmsim.NewSQLiteStore(":memory:", logger)
				if err != nil {
					return fmt.Errorf("open in-process farm: %w", err)
				}
				defer st.Close()
				if err := st.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate in-process farm: %w", err)
				}
				svc := farmsim.NewService(st, cfg.Farm.ProgressPerQuery, logger, farmsim.WithMaxFrames(cfg.Farm.MaxFrames))
				client = farm.NewRPCClient(farmsim.NewLocalCaller(svc))
				logger.Info("using in-process farm", "progress_per_query", cfg.Farm.ProgressPerQuery)
			} else {
				client = farm.NewRPCClient(farm.NewHTTPRPCCaller(clientConfig(farmURL), logger))
			}

			engine := cfg.Adapter()
			if cmd.Flags().Changed("push-window") {
				engine.PushWindow = pushWindow
			}
			if cmd.Flags().Changed("pull-window") {
				engine.PullWindow = pullWindow
			}
			run.TickInterval = cfg.Engine.TickInterval
			if cmd.Flags().Changed("tick") {
				run.TickInterval = tickInterval
			}

			index := aggregate.NewIndex(client, logger, aggregate.WithCallTimeout(cfg.Engine.CallTimeout))
			a := adapter.New(host, index, engine, logger)
			runner := hostsim.NewRunner(host, a, run, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep, err := runner.Run(ctx, cfg.NewSession())
			printReport(cmd.OutOrStdout(), rep)
			if err != nil {
				return fmt.Errorf("simulation: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&farmURL, "farm", "", "Farm RPC endpoint; empty runs an in-process farm")
	cmd.Flags().StringVar(&scenario, "scenario", "", "YAML scenario file (default: built-in scenario)")
	cmd.Flags().IntVar(&run.ReadyPerTick, "ready-per-tick", 0, "Items made ready per tick (0 releases all eligible)")
	cmd.Flags().IntVar(&run.MaxTicks, "max-ticks", 0, "Give up after this many ticks (0 means no limit)")
	cmd.Flags().DurationVar(&run.StopTimeout, "stop-timeout", hostsim.DefaultConfig().StopTimeout, "Time allowed for aborting jobs on cancel")
	cmd.Flags().DurationVar(&pushWindow, "push-window", 0, "Override engine.push_window")
	cmd.Flags().DurationVar(&pullWindow, "pull-window", 0, "Override engine.pull_window")
	cmd.Flags().DurationVar(&tickInterval, "tick", 0, "Override engine.tick_interval")
	return cmd
}

func printReport(w io.Writer, rep hostsim.Report) {
	outcome := "completed"
	if rep.Cancelled {
		outcome = "cancelled"
	}
	fmt.Fprintf(w, "Session:   %s (%s)\n", rep.Session, outcome)
	fmt.Fprintf(w, "Items:     %s succeeded, %s started, %s total\n",
		humanize.Comma(int64(rep.Succeeded)), humanize.Comma(int64(rep.Started)), humanize.Comma(int64(rep.Items)))
	fmt.Fprintf(w, "Jobs:      %d of %d groups\n", rep.Jobs, rep.Groups)
	fmt.Fprintf(w, "Pushed:    %s frames\n", humanize.Comma(int64(rep.FramesPushed)))
	fmt.Fprintf(w, "Ticks:     %s in %s\n", humanize.Comma(int64(rep.Ticks)), rep.Elapsed.Round(time.Millisecond))
	if rep.Err != nil {
		fmt.Fprintf(w, "Error:     %v\n", rep.Err)
	}
}
