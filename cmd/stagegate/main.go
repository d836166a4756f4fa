package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zen-systems/stagegate/pkg/archive"
	"github.com/zen-systems/stagegate/pkg/buildctx"
	"github.com/zen-systems/stagegate/pkg/config"
	"github.com/zen-systems/stagegate/pkg/evidence"
	"github.com/zen-systems/stagegate/pkg/executor"
	"github.com/zen-systems/stagegate/pkg/logging"
	"github.com/zen-systems/stagegate/pkg/notify"
	"github.com/zen-systems/stagegate/pkg/pipeline"
	"github.com/zen-systems/stagegate/pkg/report"
	"github.com/zen-systems/stagegate/pkg/runner"
	"github.com/zen-systems/stagegate/pkg/server"
	"github.com/zen-systems/stagegate/pkg/triage"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

// errRunFailed signals a failure outcome; the summary has already been
// printed so main only sets the exit code.
var errRunFailed = errors.New("run failed")

func main() {
	rootCmd := &cobra.Command{
		Use:   "stagegate",
		Short: "Declarative pipeline runner with gated stages and run reports",
		Long: `Stagegate runs a YAML pipeline manifest stage by stage. Each stage shells
	out to an external tool, is gated by a condition over the build context, and
	contributes to a single HTML/JSON run report. One notification summarizes
	every run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.stagegate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runCmd() *cobra.Command {
	var (
		manifestPath string
		workspace    string
		branch       string
		buildNumber  int
		jobName      string
		runsDir      string
		noNotify     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline manifest",
		Long: `Runs every stage of the manifest in order. Build metadata falls back to the
	Jenkins variables BRANCH_NAME (or GIT_BRANCH), BUILD_NUMBER and JOB_NAME.
	Exits with status 1 when the run outcome is failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			p, err := pipeline.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return fmt.Errorf("%s: %w", manifestPath, err)
			}

			bc, err := buildctx.FromEnv(buildctx.Options{
				Branch:      branch,
				BuildNumber: buildNumber,
				JobName:     defaultJobName(jobName, p.Name, os.LookupEnv),
				Workspace:   workspace,
				Env:         p.Env,
			}, os.LookupEnv)
			if err != nil {
				return fmt.Errorf("build context: %w", err)
			}

			if runsDir == "" {
				runsDir = cfg.RunsDir
			}
			runID := evidence.NewRunID(bc.JobName, bc.BuildNumber, bc.StartTime)
			writer, err := evidence.NewWriter(runsDir, runID)
			if err != nil {
				return fmt.Errorf("failed to create run directory: %w", err)
			}
			store, err := archive.NewStore(writer.RunDir(), bc.Workspace)
			if err != nil {
				return err
			}
			exe, err := executor.New(executor.Options{
				RunDir:         writer.RunDir(),
				Shell:          cfg.Shell,
				DefaultTimeout: cfg.DefaultTimeout,
				Credentials:    executor.NewCredentialMap(cfg.Credentials),
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("run started", "run_id", runID, "pipeline", p.Name, "branch", bc.Branch, "build", bc.BuildNumber)
			rep, runErr := runner.Run(ctx, p, bc, runner.RunOptions{
				RunID:          runID,
				Executor:       exe,
				Archiver:       store,
				DefaultTimeout: cfg.DefaultTimeout,
				Logger:         logger,
				OnStage: func(res *report.StageResult) {
					if err := writer.WriteStage(res); err != nil {
						logger.Warn("write stage record failed", "stage", res.Stage, "error", err)
					}
				},
			})
			if rep == nil {
				return runErr
			}
			if runErr != nil {
				logger.Error("run aborted", "error", runErr)
			}

			// notification and summary go out even when the run bundle is incomplete
			htmlPath, persistErr := writer.Persist(rep)
			if persistErr != nil {
				logger.Error("persist run failed", "run_dir", writer.RunDir(), "error", persistErr)
			}

			if !noNotify {
				notifyRun(context.WithoutCancel(ctx), cfg, logger, p, rep, writer.RunDir(), htmlPath)
			}

			printSummary(cmd.OutOrStdout(), rep, htmlPath, useColor(cmd.OutOrStdout()))
			if persistErr != nil {
				return fmt.Errorf("failed to persist run: %w", persistErr)
			}
			if rep.Outcome() == report.OutcomeFailure {
				return errRunFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "stagegate.yaml", "pipeline manifest")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace directory (default current directory)")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name (default $BRANCH_NAME)")
	cmd.Flags().IntVar(&buildNumber, "build", 0, "build number (default $BUILD_NUMBER)")
	cmd.Flags().StringVar(&jobName, "job", "", "job name (default $JOB_NAME, then the pipeline name)")
	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "directory for run bundles (default from config)")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "skip notifications")

	return cmd
}

// defaultJobName prefers the --job flag, then a non-empty JOB_NAME, then the
// pipeline name.
func defaultJobName(flag, pipelineName string, lookup func(string) (string, bool)) string {
	if flag != "" {
		return flag
	}
	if v, ok := lookup("JOB_NAME"); ok && v != "" {
		return v
	}
	return pipelineName
}

func notifyRun(ctx context.Context, cfg *config.Config, logger *slog.Logger, p *pipeline.Pipeline, rep *report.RunReport, runDir, htmlPath string) {
	channels, err := notify.NewChannels(p.Notifications, notify.Settings{
		SMTP: notify.SMTPSettings{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		},
		SlackWebhookURL: cfg.SlackWebhookURL,
	}, logger)
	if err != nil {
		logger.Error("some notification channels unavailable", "error", err)
	}

	reportURL := htmlPath
	if cfg.ReportBaseURL != "" {
		reportURL = strings.TrimRight(cfg.ReportBaseURL, "/") + "/runs/" + rep.RunID + "/"
	}
	opts := []notify.Option{notify.WithLogger(logger), notify.WithReportURL(reportURL)}

	if cfg.TriageEnabled() {
		adapter, err := triage.NewAdapter(triage.ProviderConfig{
			Provider: cfg.Triage.Provider,
			APIKey:   cfg.APIKey(cfg.Triage.Provider),
			BaseURL:  cfg.Triage.BaseURL,
		})
		if err != nil {
			logger.Warn("failure triage disabled", "error", err)
		} else {
			opts = append(opts, notify.WithSummarizer(triage.NewSummarizer(adapter,
				triage.WithModel(cfg.Triage.Model),
				triage.WithRunDir(runDir),
				triage.WithTailLines(cfg.Triage.TailLines),
				triage.WithAttemptTimeout(cfg.TriageTimeout),
				triage.WithLogger(logger),
			)))
		}
	}

	html, err := report.Render(rep)
	if err != nil {
		logger.Warn("report not attached to notification", "error", err)
	}
	// delivery errors are logged by the notifier and never change the outcome
	_, _ = notify.New(channels, opts...).Notify(ctx, rep, html)
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate a pipeline manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.LoadManifest(args[0])
			if err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			order, err := p.Order()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ %s is valid (%d stages)\n", args[0], len(order))
			for i, s := range order {
				fmt.Fprintf(out, "  %02d %s\n", i+1, s.Name)
			}
			return nil
		},
	}
}

func renderCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "render <run-dir>",
		Short: "Re-render the HTML report of a persisted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := evidence.ReadRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to read run: %w", err)
			}
			html, err := report.Render(rep)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(args[0], evidence.ReportFile)
			}
			if output == "-" {
				_, err = cmd.OutOrStdout().Write(html)
				return err
			}
			if err := os.WriteFile(output, html, 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, - for stdout (default <run-dir>/report.html)")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr    string
		runsDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Browse run reports over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if runsDir == "" {
				runsDir = cfg.RunsDir
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.New(runsDir, logger).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "directory of run bundles (default from config)")
	return cmd
}
