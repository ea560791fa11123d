package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelmesh/oversight/pkg/audit"
	"github.com/sentinelmesh/oversight/pkg/config"
	"github.com/sentinelmesh/oversight/pkg/export"
	"github.com/sentinelmesh/oversight/pkg/pipeline"
	"github.com/sentinelmesh/oversight/pkg/policy"
	"github.com/sentinelmesh/oversight/pkg/stores"
	"github.com/sentinelmesh/oversight/pkg/telemetry"
)

type simulateOptions struct {
	scenarioPath  string
	outDir        string
	policyPacks   []string
	ingestMode    string
	approverID    string
	approverToken string
}

func newSimulateCommand() *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one pipeline pass over a scenario or live input source",
		Long: `simulate drives the full ingest-fusion-rules-governance-decision-guardrails-
autonomy-export pipeline for a single run, writing a hash-chained audit
trail and the configured export artifacts to --out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.scenarioPath, "scenario", "", "path to a scenario document (required for --ingest-mode=scenario)")
	cmd.Flags().StringVar(&opts.outDir, "out", "./out", "directory export artifacts are written to")
	cmd.Flags().StringArrayVar(&opts.policyPacks, "policy-pack", nil, "path to a policy pack overlay, deep-merged onto --config in order given")
	cmd.Flags().StringVar(&opts.ingestMode, "ingest-mode", "", "override pipeline.ingest.mode (scenario|tail|modules_media)")
	cmd.Flags().StringVar(&opts.approverID, "approver-id", "", "id of the approver presenting a signed token for this run")
	cmd.Flags().StringVar(&opts.approverToken, "approver-token", "", "signed approval token presented by --approver-id")

	return cmd
}

func runSimulate(ctx context.Context, opts *simulateOptions) error {
	if configPath == "" {
		return exitWithError(pipeline.NewConfigError("--config", "a config file path is required", nil))
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(ctx, configPath, opts.policyPacks...)
	if err != nil {
		return exitWithError(pipeline.NewConfigError(configPath, "failed to load config", err))
	}

	if opts.ingestMode != "" {
		cfg.Pipeline.Ingest.Mode = opts.ingestMode
	}
	if opts.approverID != "" {
		cfg.Pipeline.RBAC.ActiveApprovers = append(cfg.Pipeline.RBAC.ActiveApprovers, config.ActiveApprover{
			ID:    opts.approverID,
			Token: opts.approverToken,
		})
	}

	if err := loader.Validate(ctx, cfg); err != nil {
		return exitWithError(pipeline.NewConfigError(configPath, "config validation failed", err))
	}
	configHash, err := config.CanonicalHash(cfg)
	if err != nil {
		return exitWithError(pipeline.NewConfigError(configPath, "failed to compute config hash", err))
	}

	tel, err := telemetry.NewTelemetry(buildTelemetryConfig(verbose))
	if err != nil {
		return exitWithError(pipeline.NewConfigError("telemetry", "failed to initialize telemetry", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	auditLog, err := audit.Open(audit.Options{
		Path:           cfg.Audit.Path,
		Actor:          cfg.Audit.Actor,
		SignSecret:     cfg.Audit.SignSecret,
		VerifyOnStart:  cfg.Audit.VerifyOnStart,
		RequireSigning: cfg.Audit.RequireSigning,
	})
	if err != nil {
		return exitWithError(err)
	}
	defer auditLog.Close()

	riskStore, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Pipeline.Guardrails.RiskStorePath})
	if err != nil {
		return exitWithError(pipeline.NewStoreError(cfg.Pipeline.Guardrails.RiskStorePath, "failed to open risk store", err))
	}
	if err := riskStore.Init(ctx); err != nil {
		return exitWithError(pipeline.NewStoreError(cfg.Pipeline.Guardrails.RiskStorePath, "failed to initialize risk store", err))
	}
	defer riskStore.Close()

	governor, err := policy.NewEvaluator(ctx, tel.Logger.Zerolog())
	if err != nil {
		return exitWithError(pipeline.NewConfigError("pipeline.governance", "failed to initialize governance evaluator", err))
	}

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return exitWithError(pipeline.NewExportSinkError(opts.outDir, "failed to create output directory", err))
	}
	exporter := export.NewExporter(tel.Logger.Zerolog(), tel.Metrics.Registry(), nil)

	orch := &pipeline.Orchestrator{
		Telemetry: tel,
		Audit:     auditLogAdapter{log: auditLog},
		Store:     riskStore,
		Governor:  governor,
		Export:    exporterAdapter{exporter: exporter},
	}

	result, err := orch.Run(ctx, pipeline.RunOptions{
		Config:       *cfg,
		ConfigHash:   configHash,
		ScenarioPath: opts.scenarioPath,
		OutDir:       opts.outDir,
		Now:          time.Now().Unix(),
	})
	if err != nil {
		return exitWithError(err)
	}

	fmt.Fprintf(os.Stdout, "run %s completed: %d events, %d tasks, %d pending, %d risk-held, %d export failures\n",
		result.RunID, len(result.Payload.Events), len(result.Payload.Tasks), len(result.Payload.PendingTasks),
		len(result.Payload.RiskHeldTasks), len(result.ExportFails))

	if len(result.ExportFails) > 0 {
		os.Exit(pipeline.ExitCode(pipeline.NewExportSinkError(result.ExportFails[0].Sink, "export sink failed", result.ExportFails[0].Err)))
	}
	return nil
}

// exitWithError prints a single diagnostic line naming the error's
// category and offending path, then exits with the mapped code rather
// than falling through cobra's default exit-code-1 path.
func exitWithError(err error) error {
	code := pipeline.ExitCode(err)
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(code)
	return nil
}

func buildTelemetryConfig(verbose bool) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "froyo-oversight"
	cfg.Tracing.Exporter = "none"
	cfg.Tracing.Enabled = false
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg
}
