package commands

import (
	"context"

	"github.com/sentinelmesh/oversight/pkg/audit"
	"github.com/sentinelmesh/oversight/pkg/config"
	"github.com/sentinelmesh/oversight/pkg/export"
	"github.com/sentinelmesh/oversight/pkg/pipeline"
)

// auditLogAdapter satisfies pipeline.AuditLog by discarding the
// audit.Entry that *audit.Log.Append returns: the orchestrator only
// needs to know whether the write succeeded.
type auditLogAdapter struct {
	log *audit.Log
}

func (a auditLogAdapter) Append(event string, payload map[string]any) error {
	_, err := a.log.Append(event, payload)
	return err
}

// exporterAdapter satisfies pipeline.Exporter by converting
// []export.Failure into []pipeline.ExportFailure.
type exporterAdapter struct {
	exporter *export.Exporter
}

func (e exporterAdapter) Export(ctx context.Context, outDir string, payload pipeline.RunPayload, cfg config.ExportConfig) []pipeline.ExportFailure {
	failures := e.exporter.Export(ctx, outDir, payload, cfg)
	if len(failures) == 0 {
		return nil
	}
	out := make([]pipeline.ExportFailure, len(failures))
	for i, f := range failures {
		out[i] = pipeline.ExportFailure{Sink: f.Sink, Category: f.Category, Err: f.Err}
	}
	return out
}
