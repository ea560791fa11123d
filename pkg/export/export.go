// Package export writes run artifacts to the configured sinks: json,
// stdout, metrics, stix (delegated), task_jsonl, infrastructure, and
// webhook. Every file sink writes atomically (temp file + rename) so a
// partial write never corrupts a previous run's artifact, and a single
// sink's failure never prevents the others from running.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelmesh/oversight/pkg/config"
	"github.com/sentinelmesh/oversight/pkg/pipeline"
)

// StixSerializer delegates bundle construction to the external STIX
// serializer, out of this module's scope.
type StixSerializer interface {
	Serialize(ctx context.Context, payload pipeline.RunPayload) ([]byte, error)
}

// Failure records one sink's failure for the audit log; sinks never
// abort a run, so failures are collected rather than returned.
type Failure struct {
	Sink     string
	Category string
	Err      error
}

// Exporter writes a run's payload to every configured sink.
type Exporter struct {
	logger   zerolog.Logger
	registry *prometheus.Registry
	stix     StixSerializer
	client   *http.Client
}

// NewExporter creates an Exporter. registry and stix may be nil if the
// metrics/stix sinks are not configured for this run.
func NewExporter(logger zerolog.Logger, registry *prometheus.Registry, stix StixSerializer) *Exporter {
	return &Exporter{
		logger:   logger.With().Str("component", "export").Logger(),
		registry: registry,
		stix:     stix,
		client:   &http.Client{},
	}
}

// Export runs every sink named in cfg.Formats concurrently against
// outDir, returning the failures observed (never an error: export
// failures are recoverable and audited, not fatal, so one sink's
// failure never cancels the others). Results are collected into a
// slot per sink rather than appended, so two sinks racing to report a
// failure never corrupt each other's entry.
func (x *Exporter) Export(ctx context.Context, outDir string, payload pipeline.RunPayload, cfg config.ExportConfig) []Failure {
	slots := make([]*Failure, len(cfg.Formats))

	g, gctx := errgroup.WithContext(ctx)
	for i, sink := range cfg.Formats {
		i, sink := i, sink
		g.Go(func() error {
			var err error
			switch sink {
			case "json":
				err = x.writeJSON(outDir, payload)
			case "stdout":
				err = x.writeStdout(payload)
			case "metrics":
				err = x.writeMetrics(outDir)
			case "stix":
				err = x.writeStix(gctx, outDir, payload)
			case "task_jsonl":
				err = x.writeTaskJSONL(payload, cfg.TaskJSONL)
			case "infrastructure":
				err = x.writeInfrastructure(gctx, payload, cfg.Infrastructure)
			case "webhook":
				err = x.writeWebhook(gctx, payload, cfg.Webhook)
			default:
				err = fmt.Errorf("unrecognized export sink %q", sink)
			}
			if err != nil {
				slots[i] = &Failure{Sink: sink, Category: categorize(err), Err: err}
				x.logger.Warn().Err(err).Str("sink", sink).Msg("export sink failed")
			}
			return nil
		})
	}
	g.Wait()

	var failures []Failure
	for _, f := range slots {
		if f != nil {
			failures = append(failures, *f)
		}
	}
	return failures
}

func categorize(err error) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "export_sink_error"
}

func (x *Exporter) writeJSON(outDir string, payload pipeline.RunPayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return pipeline.NewExportSinkError("events.json", "failed to marshal payload", err)
	}
	return atomicWrite(filepath.Join(outDir, "events.json"), data)
}

func (x *Exporter) writeStdout(payload pipeline.RunPayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return pipeline.NewExportSinkError("stdout", "failed to marshal payload", err)
	}
	fmt.Println(string(data))
	return nil
}

func (x *Exporter) writeMetrics(outDir string) error {
	if x.registry == nil {
		return pipeline.NewExportSinkError("metrics.prom", "no metrics registry configured", nil)
	}
	families, err := x.registry.Gather()
	if err != nil {
		return pipeline.NewExportSinkError("metrics.prom", "failed to gather metrics", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return pipeline.NewExportSinkError("metrics.prom", "failed to encode metric family", err)
		}
	}

	return atomicWrite(filepath.Join(outDir, "metrics.prom"), buf.Bytes())
}

func (x *Exporter) writeStix(ctx context.Context, outDir string, payload pipeline.RunPayload) error {
	if x.stix == nil {
		return pipeline.NewExportSinkError("stix", "no stix serializer configured", nil)
	}
	bundle, err := x.stix.Serialize(ctx, payload)
	if err != nil {
		return pipeline.NewExportSinkError("stix", "serializer failed", err)
	}
	return atomicWrite(filepath.Join(outDir, "stix_bundle.json"), bundle)
}

func (x *Exporter) writeTaskJSONL(payload pipeline.RunPayload, cfg config.FileSinkConfig) error {
	if cfg.Path == "" {
		return pipeline.NewExportSinkError("task_jsonl", "no path configured", nil)
	}
	lines := make([][]byte, 0, len(payload.Tasks))
	for _, t := range payload.Tasks {
		line, err := json.Marshal(t)
		if err != nil {
			return pipeline.NewExportSinkError(cfg.Path, "failed to marshal task", err)
		}
		lines = append(lines, line)
	}
	return writeJSONLWithRollover(cfg.Path, cfg.RotateMaxBytes, lines)
}

func (x *Exporter) writeInfrastructure(ctx context.Context, payload pipeline.RunPayload, cfg config.InfrastructureSinkConfig) error {
	if cfg.Path == "" {
		return pipeline.NewExportSinkError("infrastructure", "no path configured", nil)
	}
	var infraTasks []pipeline.TaskRecommendation
	lines := make([][]byte, 0)
	for _, t := range payload.Tasks {
		if t.InfrastructureType == "" {
			continue
		}
		line, err := json.Marshal(t)
		if err != nil {
			return pipeline.NewExportSinkError(cfg.Path, "failed to marshal infrastructure task", err)
		}
		lines = append(lines, line)
		infraTasks = append(infraTasks, t)
	}
	if err := writeJSONLWithRollover(cfg.Path, cfg.RotateMaxBytes, lines); err != nil {
		return err
	}

	if cfg.HTTP != nil && cfg.HTTP.URL != "" {
		batch, err := json.Marshal(infraTasks)
		if err != nil {
			return pipeline.NewExternalServiceError(cfg.HTTP.URL, "failed to marshal infrastructure batch", err)
		}
		return x.postWithRetry(ctx, *cfg.HTTP, batch)
	}
	return nil
}

func (x *Exporter) writeWebhook(ctx context.Context, payload pipeline.RunPayload, cfg config.HTTPForwardConfig) error {
	if cfg.URL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return pipeline.NewExternalServiceError(cfg.URL, "failed to marshal webhook payload", err)
	}
	return x.postWithRetry(ctx, cfg, body)
}

// postWithRetry POSTs body to cfg.URL with bounded retries (retries+1
// total attempts) and linear backoff (backoff_seconds times the
// attempt number before each retry), writing to dlq_path on final
// failure.
func (x *Exporter) postWithRetry(ctx context.Context, cfg config.HTTPForwardConfig, body []byte) error {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backoff := time.Duration(cfg.BackoffSeconds) * time.Second

	var lastErr error
	attempts := cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			resp, doErr := x.client.Do(req)
			if doErr == nil {
				resp.Body.Close()
				if resp.StatusCode < 300 {
					cancel()
					return nil
				}
				lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			} else {
				lastErr = doErr
			}
		} else {
			lastErr = err
		}
		cancel()

		if attempt < attempts-1 && backoff > 0 {
			select {
			case <-time.After(backoff * time.Duration(attempt+1)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts
			}
		}
	}

	if cfg.DLQPath != "" {
		if dlqErr := appendDLQ(cfg.DLQPath, body); dlqErr != nil {
			return pipeline.NewExternalServiceError(cfg.URL, "delivery failed and DLQ write failed", dlqErr)
		}
	}
	return pipeline.NewExternalServiceError(cfg.URL, "delivery failed after retries", lastErr)
}

func appendDLQ(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return err
	}
	_, err = f.Write([]byte("\n"))
	return err
}

// atomicWrite writes data to a temp file in the same directory as path
// then renames it into place, so a crash mid-write never leaves a
// truncated artifact.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pipeline.NewExportSinkError(path, "failed to create output directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return pipeline.NewExportSinkError(path, "failed to create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return pipeline.NewExportSinkError(path, "failed to write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return pipeline.NewExportSinkError(path, "failed to close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return pipeline.NewExportSinkError(path, "failed to rename temp file into place", err)
	}
	return nil
}

// writeJSONLWithRollover appends lines to path, rolling the existing
// file aside (path + ".1") first if it has already reached
// rotateMaxBytes. The existing content plus the new lines are written
// through atomicWrite.
func writeJSONLWithRollover(path string, rotateMaxBytes int64, lines [][]byte) error {
	if rotateMaxBytes > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() >= rotateMaxBytes {
			if err := os.Rename(path, path+".1"); err != nil {
				return pipeline.NewExportSinkError(path, "failed to rotate file", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pipeline.NewExportSinkError(path, "failed to create output directory", err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return pipeline.NewExportSinkError(path, "failed to read existing file", err)
	}

	w := bytes.NewBuffer(existing)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			return pipeline.NewExportSinkError(path, "failed to write line", err)
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return pipeline.NewExportSinkError(path, "failed to write line", err)
		}
	}
	return atomicWrite(path, w.Bytes())
}
