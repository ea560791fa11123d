package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sentinelmesh/oversight/pkg/config"
	"github.com/sentinelmesh/oversight/pkg/pipeline"
)

func samplePayload() pipeline.RunPayload {
	return pipeline.RunPayload{
		Events: []pipeline.Event{
			{ID: "ev_1", Category: "intrusion", Severity: pipeline.SeverityWarning, Status: "open", Domain: "land"},
		},
		Tasks: []pipeline.TaskRecommendation{
			{ID: "task_1", EventID: "ev_1", Action: "investigate", AssigneeDomain: "land", Status: pipeline.TaskApproved},
			{ID: "task_2", EventID: "ev_1", Action: "isolate_vlan", AssigneeDomain: "network", Status: pipeline.TaskApproved, InfrastructureType: "network", AssetID: "vlan-12"},
		},
	}
}

func TestExporter_WriteJSON(t *testing.T) {
	dir := t.TempDir()
	x := NewExporter(zerolog.Nop(), nil, nil)

	if err := x.writeJSON(dir, samplePayload()); err != nil {
		t.Fatalf("writeJSON failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "events.json"))
	if err != nil {
		t.Fatalf("failed to read events.json: %v", err)
	}
	var decoded pipeline.RunPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal events.json: %v", err)
	}
	if len(decoded.Events) != 1 || len(decoded.Tasks) != 2 {
		t.Fatalf("unexpected payload shape: %+v", decoded)
	}
}

func TestExporter_WriteTaskJSONL(t *testing.T) {
	dir := t.TempDir()
	x := NewExporter(zerolog.Nop(), nil, nil)
	path := filepath.Join(dir, "tasks.jsonl")

	if err := x.writeTaskJSONL(samplePayload(), config.FileSinkConfig{Path: path}); err != nil {
		t.Fatalf("writeTaskJSONL failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read tasks.jsonl: %v", err)
	}
	lines := splitLines(data)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestExporter_WriteTaskJSONL_RotatesOnSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"old"}`+"\n"), 0o600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	x := NewExporter(zerolog.Nop(), nil, nil)
	if err := x.writeTaskJSONL(samplePayload(), config.FileSinkConfig{Path: path, RotateMaxBytes: 1}); err != nil {
		t.Fatalf("writeTaskJSONL failed: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rolled-over file to exist: %v", err)
	}
	rolled, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("failed to read rolled file: %v", err)
	}
	if string(rolled) != `{"id":"old"}`+"\n" {
		t.Fatalf("rolled file contents changed: %s", rolled)
	}
}

func TestExporter_WriteInfrastructure_FiltersNonInfraTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "infra.jsonl")
	x := NewExporter(zerolog.Nop(), nil, nil)

	err := x.writeInfrastructure(context.Background(), samplePayload(), config.InfrastructureSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("writeInfrastructure failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read infra.jsonl: %v", err)
	}
	lines := splitLines(data)
	if len(lines) != 1 {
		t.Fatalf("expected exactly 1 infrastructure task line, got %d", len(lines))
	}
}

func TestExporter_WriteMetrics_NoRegistryFails(t *testing.T) {
	dir := t.TempDir()
	x := NewExporter(zerolog.Nop(), nil, nil)
	if err := x.writeMetrics(dir); err == nil {
		t.Fatal("expected error when no registry is configured")
	}
}

func TestExporter_WriteMetrics_EncodesRegisteredCounter(t *testing.T) {
	dir := t.TempDir()
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "oversight_test_total", Help: "test"})
	counter.Inc()
	registry.MustRegister(counter)

	x := NewExporter(zerolog.Nop(), registry, nil)
	if err := x.writeMetrics(dir); err != nil {
		t.Fatalf("writeMetrics failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	if err != nil {
		t.Fatalf("failed to read metrics.prom: %v", err)
	}
	if !strings.Contains(string(data), "oversight_test_total") {
		t.Fatalf("expected metric name in output, got: %s", data)
	}
}

func TestExporter_WriteWebhook_SucceedsOnFirstAttempt(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		received = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	x := NewExporter(zerolog.Nop(), nil, nil)
	err := x.writeWebhook(context.Background(), samplePayload(), config.HTTPForwardConfig{
		URL:            server.URL,
		TimeoutSeconds: 2,
		Retries:        1,
	})
	if err != nil {
		t.Fatalf("writeWebhook failed: %v", err)
	}
	if len(received) == 0 {
		t.Fatal("expected webhook server to receive a body")
	}
}

func TestExporter_WriteWebhook_WritesDLQAfterExhaustingRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dir := t.TempDir()
	dlqPath := filepath.Join(dir, "dlq.jsonl")

	x := NewExporter(zerolog.Nop(), nil, nil)
	err := x.writeWebhook(context.Background(), samplePayload(), config.HTTPForwardConfig{
		URL:            server.URL,
		TimeoutSeconds: 2,
		Retries:        1,
		BackoffSeconds: 0,
		DLQPath:        dlqPath,
	})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}

	if _, statErr := os.Stat(dlqPath); statErr != nil {
		t.Fatalf("expected DLQ file to be written: %v", statErr)
	}
}

func TestExporter_Export_IsolatesSinkFailures(t *testing.T) {
	dir := t.TempDir()
	x := NewExporter(zerolog.Nop(), nil, nil)

	failures := x.Export(context.Background(), dir, samplePayload(), config.ExportConfig{
		Formats:   []string{"json", "metrics"},
		TaskJSONL: config.FileSinkConfig{Path: filepath.Join(dir, "tasks.jsonl")},
	})

	if len(failures) != 1 || failures[0].Sink != "metrics" {
		t.Fatalf("expected exactly one metrics failure, got %+v", failures)
	}
	if _, err := os.Stat(filepath.Join(dir, "events.json")); err != nil {
		t.Fatalf("expected json sink to have written despite metrics failure: %v", err)
	}
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(data[start:i]))
			}
			start = i + 1
		}
	}
	return lines
}

