package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"constph/internal/config"
	"constph/internal/remote"
	"constph/internal/testsystem"
	"constph/pkg/constph"
)

type globalOptions struct {
	store        string
	dbPath       string
	artifactsDir string
	exportsDir   string
	logFormat    string
	logLevel     string
	metricsAddr  string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "constphctl",
		Short:         "Constant-pH titration runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.store, "store", "", "checkpoint store: memory|sqlite (default: the config's storage, else memory)")
	pf.StringVar(&g.dbPath, "db-path", "", "sqlite database path (default: the config's storage path, else constph.db)")
	pf.StringVar(&g.artifactsDir, "artifacts-dir", "runs", "run artifacts directory")
	pf.StringVar(&g.exportsDir, "exports-dir", "exports", "export destination directory")
	pf.StringVar(&g.logFormat, "log-format", "auto", "log format: auto|text|json")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	root.AddCommand(
		newRunCmd(g),
		newResumeCmd(g),
		newCheckpointsCmd(g),
		newRunsCmd(g),
		newInspectCmd(g),
		newExportCmd(g),
		newServeEngineCmd(g),
	)
	return root
}

func (g *globalOptions) logger(cmd *cobra.Command) (*slog.Logger, error) {
	return newLogger(cmd.ErrOrStderr(), g.logFormat, g.logLevel)
}

// client builds an API client. Flags win over cfg's storage and output settings.
func (g *globalOptions) client(cmd *cobra.Command, cfg *config.Run) (*constph.Client, func(), error) {
	logger, err := g.logger(cmd)
	if err != nil {
		return nil, nil, err
	}
	opts := constph.Options{
		StoreKind:    g.store,
		DBPath:       g.dbPath,
		ArtifactsDir: g.artifactsDir,
		ExportsDir:   g.exportsDir,
		Logger:       logger,
	}
	if cfg != nil {
		if !cmd.Flags().Changed("store") && cfg.Storage.Kind != "" {
			opts.StoreKind = cfg.Storage.Kind
		}
		if !cmd.Flags().Changed("db-path") && cfg.Storage.Path != "" {
			opts.DBPath = cfg.Storage.Path
		}
		if !cmd.Flags().Changed("artifacts-dir") && cfg.Output.Dir != "" {
			opts.ArtifactsDir = cfg.Output.Dir
		}
	}

	cleanup := func() {}
	if g.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Registerer = reg
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: g.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "addr", g.metricsAddr, "error", err)
			}
		}()
		cleanup = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}
	}

	client, err := constph.New(opts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return client, func() {
		_ = client.Close()
		cleanup()
	}, nil
}

func newRunCmd(g *globalOptions) *cobra.Command {
	var (
		runID   string
		seed    int64
		cycles  int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "run CONFIG",
		Short: "Start a titration run from a YAML, TOML or JSON config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if runID != "" {
				cfg.RunID = runID
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}
			if cycles > 0 {
				cfg.Cycles = cycles
			}

			client, closeClient, err := g.client(cmd, &cfg)
			if err != nil {
				return err
			}
			defer closeClient()

			summary, runErr := client.Run(cmd.Context(), cfg)
			if summary.RunID != "" {
				if err := printRunSummary(cmd.OutOrStdout(), summary, jsonOut); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: from config, else generated)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "override the config seed")
	cmd.Flags().IntVar(&cycles, "cycles", 0, "override the config cycle count")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the run summary as JSON")
	return cmd
}

func newResumeCmd(g *globalOptions) *cobra.Command {
	var (
		latest       bool
		checkpointID string
		cycles       int
		jsonOut      bool
	)
	cmd := &cobra.Command{
		Use:   "resume [RUN_ID]",
		Short: "Continue a run from its latest (or a chosen) checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeClient, err := g.client(cmd, nil)
			if err != nil {
				return err
			}
			defer closeClient()

			summary, runErr := client.Resume(cmd.Context(), constph.ResumeRequest{
				RunID:        argOrEmpty(args),
				Latest:       latest,
				CheckpointID: checkpointID,
				Cycles:       cycles,
			})
			if summary.RunID != "" {
				if err := printRunSummary(cmd.OutOrStdout(), summary, jsonOut); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "resume the most recent run")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "checkpoint id (default: latest checkpoint of the run)")
	cmd.Flags().IntVar(&cycles, "cycles", 0, "cycles to run (default: the rest of the configured cycles)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the run summary as JSON")
	return cmd
}

func newCheckpointsCmd(g *globalOptions) *cobra.Command {
	var (
		latest  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "checkpoints [RUN_ID]",
		Short: "List the stored checkpoints of a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeClient, err := g.client(cmd, nil)
			if err != nil {
				return err
			}
			defer closeClient()

			items, err := client.Checkpoints(cmd.Context(), constph.CheckpointsRequest{RunID: argOrEmpty(args), Latest: latest})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "no checkpoints found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tATTEMPTED\tACCEPTED\tSTAGE")
			for _, c := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					c.ID, age(c.CreatedAtUTC), humanize.Comma(c.Statistics.Attempted),
					humanize.Comma(c.Statistics.Accepted), dash(string(c.Stage)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "use the most recent run")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit checkpoints as JSON")
	return cmd
}

func newRunsCmd(g *globalOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, closeClient, err := g.client(cmd, nil)
			if err != nil {
				return err
			}
			defer closeClient()

			items, err := client.Runs(cmd.Context(), constph.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				type runsItem struct {
					RunID          string  `json:"run_id"`
					CreatedAtUTC   string  `json:"created_at_utc"`
					Groups         int     `json:"groups"`
					Seed           int64   `json:"seed"`
					Attempted      int64   `json:"attempted"`
					Accepted       int64   `json:"accepted"`
					AcceptanceRate float64 `json:"acceptance_rate"`
					Stage          string  `json:"stage,omitempty"`
				}
				rows := make([]runsItem, 0, len(items))
				for _, it := range items {
					rows = append(rows, runsItem{
						RunID:          it.RunID,
						CreatedAtUTC:   it.CreatedAtUTC,
						Groups:         it.Groups,
						Seed:           it.Seed,
						Attempted:      it.Attempted,
						Accepted:       it.Accepted,
						AcceptanceRate: it.AcceptanceRate,
						Stage:          string(it.Stage),
					})
				}
				return writeJSON(out, rows)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCREATED\tGROUPS\tSEED\tATTEMPTED\tACCEPTANCE\tSTAGE")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%.1f%%\t%s\n",
					it.RunID, age(it.CreatedAtUTC), it.Groups, it.Seed,
					humanize.Comma(it.Attempted), 100*it.AcceptanceRate, dash(string(it.Stage)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs as JSON")
	return cmd
}

// maxWeightRows bounds the calibrated weights inspect prints; multi-site runs can
// carry one weight per joint state.
const maxWeightRows = 32

func newInspectCmd(g *globalOptions) *cobra.Command {
	var (
		latest  bool
		history int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "inspect [RUN_ID]",
		Short: "Show a run's summary and recent titration attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if history < 0 {
				return errors.New("history must be >= 0")
			}
			client, closeClient, err := g.client(cmd, nil)
			if err != nil {
				return err
			}
			defer closeClient()

			detail, err := client.Inspect(cmd.Context(), constph.InspectRequest{
				RunID:  argOrEmpty(args),
				Latest: latest,
				Limit:  history,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, detail)
			}

			s := detail.Summary
			fmt.Fprintf(out, "run:         %s\n", s.RunID)
			fmt.Fprintf(out, "temperature: %.2f K\n", s.TemperatureK)
			if s.PH != nil {
				fmt.Fprintf(out, "ph:          %.2f\n", *s.PH)
			}
			fmt.Fprintf(out, "cycles:      %s\n", humanize.Comma(int64(s.Cycles)))
			fmt.Fprintf(out, "attempts:    %s (%s accepted, %.1f%%)\n",
				humanize.Comma(s.Statistics.Attempted), humanize.Comma(s.Statistics.Accepted), 100*s.AcceptanceRate)
			fmt.Fprintf(out, "states:      %v\n", s.FinalStates)
			if s.Stage != "" {
				fmt.Fprintf(out, "calibration: %s (adaptation %d)\n", s.Stage, s.Adaptation)
				fmt.Fprintf(out, "weights:     %s\n", formatFloats(s.Weights))
			}
			if s.LastCheckpoint != "" {
				fmt.Fprintf(out, "checkpoint:  %s\n", s.LastCheckpoint)
			}
			fmt.Fprintf(out, "updated:     %s\n", age(s.UpdatedAtUTC))

			if len(s.Calibrated) > 0 {
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STATES\tWEIGHT\tRELATIVE")
				for i, w := range s.Calibrated {
					if i == maxWeightRows {
						fmt.Fprintf(tw, "... %s more\t\t\n", humanize.Comma(int64(len(s.Calibrated)-i)))
						break
					}
					fmt.Fprintf(tw, "%v\t%.4f\t%.4f\n", w.States, w.Weight, w.Relative)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			if len(detail.History) > 0 {
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ATTEMPT\tACCEPTED\tWORK\tLOG_P\tMOVES\tSTATES")
				for _, row := range detail.History {
					fmt.Fprintf(tw, "%d\t%t\t%.3f\t%.3f\t%s\t%v\n",
						row.Attempt, row.Accepted, row.Work, row.LogP, dash(row.Moves), row.States)
				}
				return tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "use the most recent run")
	cmd.Flags().IntVar(&history, "history", 10, "number of recent attempts to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the run detail as JSON")
	return cmd
}

func newExportCmd(g *globalOptions) *cobra.Command {
	var (
		latest bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export [RUN_ID]",
		Short: "Copy a run's artifacts to the exports directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeClient, err := g.client(cmd, nil)
			if err != nil {
				return err
			}
			defer closeClient()

			exported, err := client.Export(cmd.Context(), constph.ExportRequest{
				RunID:  argOrEmpty(args),
				Latest: latest,
				OutDir: outDir,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "export the most recent run")
	cmd.Flags().StringVar(&outDir, "out", "", "destination directory (default: --exports-dir)")
	return cmd
}

func newServeEngineCmd(g *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-engine CONFIG",
		Short: "Serve the config's toy system as a remote engine over gRPC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			cfg = cfg.WithDefaults()
			toy, err := testsystem.NewToy(cfg.ToyConfig(cfg.Seed))
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			srv := grpc.NewServer()
			remote.NewServer(toy, logger).Register(srv)

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				srv.GracefulStop()
			}()
			logger.Info("engine serving", "addr", lis.Addr().String(), "particles", len(cfg.System.Particles))
			fmt.Fprintf(cmd.OutOrStdout(), "serving engine on %s\n", lis.Addr())
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:50051", "listen address")
	return cmd
}

func printRunSummary(w io.Writer, s constph.RunSummary, jsonOut bool) error {
	if jsonOut {
		type summaryOut struct {
			RunID          string    `json:"run_id"`
			ArtifactsDir   string    `json:"artifacts_dir"`
			Cycles         int       `json:"cycles"`
			Attempted      int64     `json:"attempted"`
			Accepted       int64     `json:"accepted"`
			Rejected       int64     `json:"rejected"`
			AcceptanceRate float64   `json:"acceptance_rate"`
			FinalStates    []int     `json:"final_states"`
			Stage          string    `json:"stage,omitempty"`
			Weights        []float64 `json:"weights,omitempty"`
			LastCheckpoint string    `json:"last_checkpoint,omitempty"`
		}
		return writeJSON(w, summaryOut{
			RunID:          s.RunID,
			ArtifactsDir:   s.ArtifactsDir,
			Cycles:         s.CyclesDone,
			Attempted:      s.Statistics.Attempted,
			Accepted:       s.Statistics.Accepted,
			Rejected:       s.Statistics.Rejected,
			AcceptanceRate: s.AcceptanceRate,
			FinalStates:    s.FinalStates,
			Stage:          string(s.Stage),
			Weights:        s.Weights,
			LastCheckpoint: s.LastCheckpoint,
		})
	}
	fmt.Fprintf(w, "run completed run_id=%s cycles=%d attempts=%s accepted=%s (%.1f%%) states=%v\n",
		s.RunID, s.CyclesDone, humanize.Comma(s.Statistics.Attempted), humanize.Comma(s.Statistics.Accepted),
		100*s.AcceptanceRate, s.FinalStates)
	if s.Stage != "" {
		fmt.Fprintf(w, "calibration stage=%s weights=%s\n", s.Stage, formatFloats(s.Weights))
	}
	if s.LastCheckpoint != "" {
		fmt.Fprintf(w, "checkpoint=%s\n", s.LastCheckpoint)
	}
	fmt.Fprintf(w, "artifacts=%s\n", s.ArtifactsDir)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func argOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// age renders an RFC 3339 timestamp relative to now, or as given when it does not parse.
func age(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = humanize.FtoaWithDigits(v, 4)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
