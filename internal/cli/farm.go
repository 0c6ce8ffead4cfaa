package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/farmsync/internal/farm"
	"github.com/me/farmsync/internal/farmsim"
	"github.com/me/farmsync/pkg/model"
)

func newFarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "farm",
		Short: "Run or inspect the emulated farm",
	}
	cmd.AddCommand(newFarmServeCmd(), newFarmJobsCmd())
	return cmd
}

func newFarmServeCmd() *cobra.Command {
	var (
		addr     string
		dbPath   string
		progress int
		token    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the emulated farm over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Farm.Addr
			}
			if !cmd.Flags().Changed("db") {
				dbPath = cfg.Farm.DBPath
			}
			if !cmd.Flags().Changed("progress") {
				progress = cfg.Farm.ProgressPerQuery
			}
			if !cmd.Flags().Changed("token") {
				token = cfg.Farm.Token
			}

			path, err := resolveDBPath(dbPath)
			if err != nil {
				return err
			}
			st, err := farmsim.NewSQLiteStore(path, logger)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			logger.Info("database ready", "path", path)

			opts := []farmsim.Option{farmsim.WithServiceOptions(farmsim.WithMaxFrames(cfg.Farm.MaxFrames))}
			if token != "" {
				opts = append(opts, farmsim.WithToken(token))
				logger.Info("rpc token required")
			}
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           farmsim.NewServer(st, progress, logger, opts...),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				logger.Info("farm starting", "addr", addr, "progress_per_query", progress)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("farm stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&dbPath, "db", "", `Database path; ":memory:" for an ephemeral farm, "" for ~/.farmsync/farm.db`)
	cmd.Flags().IntVar(&progress, "progress", 0, "Frames advanced per status query (0 freezes the farm)")
	cmd.Flags().StringVar(&token, "token", "", "Require this token on every RPC request")
	return cmd
}

// resolveDBPath maps "" to ~/.farmsync/farm.db, creating the directory.
func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".farmsync")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "farm.db"), nil
}

// clientConfig builds the RPC client settings for url. FARMSYNC_TOKEN beats
// the configured token; ~/.farmsync/token is the last resort.
func clientConfig(url string) farm.ClientConfig {
	cc := farm.DefaultClientConfig()
	cc.URL = url
	cc.Timeout = cfg.Farm.Timeout
	cc.MaxRetries = cfg.Farm.MaxRetries
	cc.Token = cfg.Farm.Token
	if os.Getenv(farm.TokenEnv) != "" || cc.Token == "" {
		if tok, err := farm.ResolveToken(); err == nil {
			cc.Token = tok
		}
	}
	return cc
}

func newFarmJobsCmd() *cobra.Command {
	var (
		url    string
		params farm.ListJobsParams
		state  string
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs known to a farm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = cfg.Farm.URL
			}
			params.State = model.JobState(state)
			client := farm.NewRPCClient(farm.NewHTTPRPCCaller(clientConfig(url), logger))

			jobs, err := client.ListJobs(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLABEL\tBATCH\tSTATE\tFRAMES\tDONE\tRUNNING\tCREATED")
			for _, j := range jobs {
				total := j.LastFrame - j.FirstFrame + 1
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.Name, j.Label, j.BatchName, j.State,
					humanize.Comma(int64(total)),
					humanize.Comma(int64(j.Summary.Done)),
					j.Summary.Running,
					humanize.Time(j.CreatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&url, "farm", "", "Farm RPC endpoint (default from config)")
	cmd.Flags().StringVar(&params.BatchName, "batch", "", "Only jobs of this batch")
	cmd.Flags().StringVar(&state, "state", "", "Only jobs in this state (active, aborted)")
	cmd.Flags().IntVar(&params.Limit, "limit", 50, "Maximum number of jobs")
	cmd.Flags().IntVar(&params.Offset, "offset", 0, "Skip this many jobs")
	return cmd
}
