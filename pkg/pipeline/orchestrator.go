package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sentinelmesh/oversight/pkg/config"
	"github.com/sentinelmesh/oversight/pkg/policy"
	"github.com/sentinelmesh/oversight/pkg/stores"
	"github.com/sentinelmesh/oversight/pkg/telemetry"
)

// AuditLog is the subset of *audit.Log the orchestrator depends on.
// Defined here, implemented in package audit, so pipeline never imports
// audit (audit already imports pipeline for its error constructors).
type AuditLog interface {
	Append(event string, payload map[string]any) error
}

// Exporter is the subset of *export.Exporter the orchestrator depends
// on, to avoid pipeline importing export (export already imports
// pipeline for RunPayload and the error taxonomy).
type Exporter interface {
	Export(ctx context.Context, outDir string, payload RunPayload, cfg config.ExportConfig) []ExportFailure
}

// ExportFailure mirrors export.Failure's exported shape.
type ExportFailure struct {
	Sink     string
	Category string
	Err      error
}

// RunResult is the orchestrator's summary of one completed run.
type RunResult struct {
	RunID       string
	Payload     RunPayload
	Plan        Plan
	ExitCode    int
	AuditSeq    int64
	AuditHash   string
	ExportFails []ExportFailure
}

// Orchestrator wires every pipeline stage together around a shared
// audit log, risk store, governance evaluator and telemetry instance.
type Orchestrator struct {
	Telemetry *telemetry.Telemetry
	Audit     AuditLog
	Store     stores.RiskStore
	Governor  *policy.Evaluator
	Export    Exporter
	Adapter   MediaAdapter
}

// RunOptions parameterizes a single run.
type RunOptions struct {
	Config       config.Config
	ConfigHash   string
	ScenarioPath string
	OutDir       string
	Now          int64
}

// Run executes ingest through export sequentially, bracketing every
// stage with an audit pair (<stage>_start/<stage>_done) and a
// telemetry span, and maps any fatal stage error to the CLI exit codes.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	runID := uuid.New().String()
	ctx = telemetry.WithRunContext(ctx, runID)

	result := RunResult{RunID: runID}

	o.audit("run_start", map[string]any{
		"run_id":      runID,
		"config_hash": opts.ConfigHash,
	})

	payload, plan, err := o.runStages(ctx, runID, opts)
	if err != nil {
		o.audit("run_failed", map[string]any{"run_id": runID, "error": err.Error()})
		telemetry.EndRunContext(ctx, runID, "failed", err)
		result.ExitCode = ExitCode(err)
		return result, err
	}

	result.Payload = payload
	result.Plan = plan

	failures := o.runExport(ctx, runID, opts, payload)
	result.ExportFails = failures

	o.audit("run_completed", map[string]any{
		"run_id":          runID,
		"events":          len(payload.Events),
		"tasks":           len(payload.Tasks),
		"pending_tasks":   len(payload.PendingTasks),
		"risk_held_tasks": len(payload.RiskHeldTasks),
		"export_failures": len(failures),
	})
	telemetry.EndRunContext(ctx, runID, "completed", nil)

	return result, nil
}

func (o *Orchestrator) runStages(ctx context.Context, runID string, opts RunOptions) (RunPayload, Plan, error) {
	pipelineCfg := opts.Config.Pipeline
	governanceCfg := pipelineCfg.Governance

	readings, err := o.stage(ctx, runID, "ingest", func(ctx context.Context) (any, map[string]any, error) {
		r, stats, err := Ingest(ctx, pipelineCfg.Ingest, opts.ScenarioPath, o.Adapter)
		extra := map[string]any{"count": stats.Count, "mode": stats.Mode, "malformed_lines": stats.Malformed}
		return ingestResult{r, stats}, extra, err
	})
	if err != nil {
		return RunPayload{}, Plan{}, err
	}
	readingsOut := readings.(ingestResult)
	if readingsOut.stats.Mode == "modules_media" && !readingsOut.stats.ModulesUsed {
		o.auditRun(runID, "ingest_modules_skipped", nil)
	}
	if o.Telemetry != nil && o.Telemetry.Metrics != nil {
		o.Telemetry.Metrics.RecordReadingsIngested(readingsOut.stats.Mode, readingsOut.stats.Count)
		o.Telemetry.Metrics.RecordReadingsMalformed(readingsOut.stats.Malformed)
	}

	tracksAny, err := o.stage(ctx, runID, "fusion", func(ctx context.Context) (any, map[string]any, error) {
		tracks, stats := Fuse(readingsOut.readings)
		extra := map[string]any{"tracks": stats.Tracks, "domains": stats.Domains}
		return fusionResult{tracks, stats}, extra, nil
	})
	if err != nil {
		return RunPayload{}, Plan{}, err
	}
	fusionOut := tracksAny.(fusionResult)
	if o.Telemetry != nil && o.Telemetry.Metrics != nil {
		o.Telemetry.Metrics.SetTracksFused(fusionOut.stats.Tracks)
	}

	rawEventsAny, err := o.stage(ctx, runID, "rules", func(ctx context.Context) (any, map[string]any, error) {
		rules, err := LoadRules(opts.Config.Rules.Path)
		if err != nil {
			return nil, nil, err
		}
		events, err := EvaluateRules(readingsOut.readings, rules)
		return events, map[string]any{"events_emitted": len(events)}, err
	})
	if err != nil {
		return RunPayload{}, Plan{}, err
	}
	rawEvents := toEvents(rawEventsAny)
	if o.Telemetry != nil && o.Telemetry.Metrics != nil {
		for _, e := range rawEvents {
			o.Telemetry.Metrics.RecordEventEmitted(e.Domain, string(e.Severity))
		}
	}

	filteredEventsAny, err := o.stage(ctx, runID, "governance_pre_decision", func(ctx context.Context) (any, map[string]any, error) {
		events, stats, err := FilterEvents(ctx, o.Governor, rawEvents, governanceCfg)
		extra := map[string]any{"dropped": stats.Dropped, "capped": stats.Capped}
		return governanceEventsResult{events, stats}, extra, err
	})
	if err != nil {
		return RunPayload{}, Plan{}, err
	}
	govEventsOut := filteredEventsAny.(governanceEventsResult)
	if o.Telemetry != nil && o.Telemetry.Metrics != nil {
		if govEventsOut.stats.Dropped > 0 {
			o.Telemetry.Metrics.RecordEventDropped("governance")
		}
		for i := 0; i < govEventsOut.stats.Capped; i++ {
			o.Telemetry.Metrics.RecordSeverityCapped()
		}
	}

	decisionAny, err := o.stage(ctx, runID, "decision", func(ctx context.Context) (any, map[string]any, error) {
		tasks, stats, err := Decide(govEventsOut.events, pipelineCfg)
		extra := map[string]any{
			"approved":        stats.Approved,
			"pending":         stats.Pending,
			"generated_infra": stats.GeneratedInfra,
			"traces":          stats.Traces,
		}
		return decisionResult{tasks, stats}, extra, err
	})
	if err != nil {
		return RunPayload{}, Plan{}, err
	}
	decisionOut := decisionAny.(decisionResult)
	if o.Telemetry != nil && o.Telemetry.Metrics != nil {
		for _, t := range decisionOut.tasks {
			o.Telemetry.Metrics.RecordTaskDecided(string(t.Status))
		}
	}

	guardrailsAny, err := o.stage(ctx, runID, "guardrails", func(ctx context.Context) (any, map[string]any, error) {
		result, err := ApplyGuardrails(ctx, decisionOut.tasks, govEventsOut.events, pipelineCfg.Guardrails, o.Store, opts.Now)
		extra := map[string]any{"drops": len(result.Drops), "risk_held": len(result.RiskHeld), "health_alert": result.HealthAlert}
		return result, extra, err
	})
	if err != nil {
		return RunPayload{}, Plan{}, err
	}
	guardOut := guardrailsAny.(GuardrailsResult)
	for _, d := range guardOut.Drops {
		o.auditRun(runID, "guardrail_drop", d.DropSummary())
	}
	if guardOut.HealthAlert {
		o.auditRun(runID, "guardrail_health_alert", map[string]any{"drops": len(guardOut.Drops), "considered": guardOut.TotalConsidered})
	}
	if o.Telemetry != nil && o.Telemetry.Metrics != nil {
		for _, d := range guardOut.Drops {
			o.Telemetry.Metrics.RecordGuardrailDrop(d.Rule, d.DroppedCount)
		}
		for _, t := range guardOut.RiskHeld {
			o.Telemetry.Metrics.RecordRiskHold(t.Tenant)
		}
	}
	if o.Telemetry != nil && o.Telemetry.Events != nil {
		for _, t := range guardOut.RiskHeld {
			_ = o.Telemetry.Events.PublishRiskHoldTriggered(t.ID, t.Tenant, int(t.HoldUntilEpoch-opts.Now))
		}
	}

	planAny, err := o.stage(ctx, runID, "autonomy", func(ctx context.Context) (any, map[string]any, error) {
		return BuildPlan(guardOut.Approved), nil, nil
	})
	if err != nil {
		return RunPayload{}, Plan{}, err
	}
	plan := planAny.(Plan)

	finalTasksAny, err := o.stage(ctx, runID, "governance_pre_export", func(ctx context.Context) (any, map[string]any, error) {
		tasks, dropped, err := FilterTasks(ctx, o.Governor, guardOut.Approved, governanceCfg)
		return governanceTasksResult{tasks, dropped}, map[string]any{"dropped": len(dropped)}, err
	})
	if err != nil {
		return RunPayload{}, Plan{}, err
	}
	govTasksOut := finalTasksAny.(governanceTasksResult)
	for _, d := range govTasksOut.dropped {
		o.auditRun(runID, "governance_forbid", map[string]any{"task_id": d.TaskID, "action": d.Action})
	}

	var pending []TaskRecommendation
	for _, t := range decisionOut.tasks {
		if t.Status == TaskPendingApproval {
			pending = append(pending, t)
		}
	}

	payload := RunPayload{
		Events:        govEventsOut.events,
		Tasks:         govTasksOut.tasks,
		PendingTasks:  pending,
		RiskHeldTasks: guardOut.RiskHeld,
	}

	o.auditRun(runID, "autonomy_plan", map[string]any{"domains": PlanDomains(plan)})

	return payload, plan, nil
}

func (o *Orchestrator) runExport(ctx context.Context, runID string, opts RunOptions, payload RunPayload) []ExportFailure {
	if o.Export == nil {
		return nil
	}
	var failures []ExportFailure
	ctx = telemetry.WithStageContext(ctx, runID, "export")
	failures = o.Export.Export(ctx, opts.OutDir, payload, opts.Config.Pipeline.Export)
	var stageErr error
	for _, f := range failures {
		o.auditRun(runID, "export_failed", map[string]any{"sink": f.Sink, "category": f.Category, "error": f.Err.Error()})
		if o.Telemetry != nil && o.Telemetry.Metrics != nil {
			o.Telemetry.Metrics.RecordExportSinkError(f.Sink, f.Category)
		}
	}
	if len(failures) > 0 {
		stageErr = fmt.Errorf("%d export sink(s) failed", len(failures))
	}
	telemetry.EndStageContext(ctx, runID, "export", stageErr)
	return failures
}

// stage brackets a pipeline stage with an audit start/done pair and a
// telemetry span, per the stage-as-pure-function composition design.
// fn may return extra fields to merge into the "<name>_done" audit
// payload alongside run_id, carrying each stage's own stats (counts,
// drops) into the tamper-evident log rather than just a bare marker.
func (o *Orchestrator) stage(ctx context.Context, runID, name string, fn func(context.Context) (any, map[string]any, error)) (any, error) {
	stageCtx := telemetry.WithStageContext(ctx, runID, name)
	o.audit(name+"_start", map[string]any{"run_id": runID})

	result, extra, err := fn(stageCtx)

	telemetry.EndStageContext(stageCtx, runID, name, err)
	if err != nil {
		o.audit(name+"_failed", map[string]any{"run_id": runID, "error": err.Error()})
		return nil, err
	}
	payload := map[string]any{"run_id": runID}
	for k, v := range extra {
		payload[k] = v
	}
	o.audit(name+"_done", payload)
	return result, nil
}

// auditRun stamps run_id onto payload before appending, so every entry
// of a run — not just the ones whose call site remembered to add it —
// carries the id needed to filter one run out of a shared audit file.
func (o *Orchestrator) auditRun(runID, event string, payload map[string]any) {
	stamped := map[string]any{"run_id": runID}
	for k, v := range payload {
		stamped[k] = v
	}
	o.audit(event, stamped)
}

func (o *Orchestrator) audit(event string, payload map[string]any) {
	if o.Audit == nil {
		return
	}
	if err := o.Audit.Append(event, payload); err != nil {
		if o.Telemetry != nil && o.Telemetry.Logger != nil {
			o.Telemetry.Logger.WithField("event", event).WithError(err).Error("failed to write audit entry")
		}
		return
	}
	if o.Telemetry != nil && o.Telemetry.Metrics != nil {
		o.Telemetry.Metrics.RecordAuditEntryWritten()
	}
}

type ingestResult struct {
	readings []SensorReading
	stats    IngestStats
}

type fusionResult struct {
	tracks []EntityTrack
	stats  FusionStats
}

type governanceEventsResult struct {
	events []Event
	stats  GovernanceStats
}

type governanceTasksResult struct {
	tasks   []TaskRecommendation
	dropped []ForbiddenTaskDrop
}

type decisionResult struct {
	tasks []TaskRecommendation
	stats DecisionStats
}

func toEvents(v any) []Event {
	events, _ := v.([]Event)
	return events
}
