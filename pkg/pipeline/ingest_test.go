package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentinelmesh/oversight/pkg/config"
)

func writeScenarioDoc(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write scenario file: %v", err)
	}
	return path
}

func TestIngestScenario_ParsesValidReadings(t *testing.T) {
	dir := t.TempDir()
	path := writeScenarioDoc(t, dir, `sensor_readings:
  - id: r1
    sensor_id: cam-1
    domain: land
    source_type: camera
    ts_ms: 1000
`)

	readings, stats, err := Ingest(context.Background(), config.IngestConfig{Mode: "scenario"}, path, nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(readings) != 1 || stats.Count != 1 {
		t.Fatalf("expected 1 reading, got %+v / %+v", readings, stats)
	}
}

func TestIngestScenario_RejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := writeScenarioDoc(t, dir, `sensor_readings:
  - id: r1
    domain: land
`)

	if _, _, err := Ingest(context.Background(), config.IngestConfig{Mode: "scenario"}, path, nil); err == nil {
		t.Fatal("expected an error for a reading missing required fields")
	}
}

func TestIngestScenario_EmptyPathIsConfigError(t *testing.T) {
	if _, _, err := Ingest(context.Background(), config.IngestConfig{Mode: "scenario"}, "", nil); err == nil {
		t.Fatal("expected an error when no scenario path is given")
	}
}

func TestIngest_UnrecognizedModeIsConfigError(t *testing.T) {
	if _, _, err := Ingest(context.Background(), config.IngestConfig{Mode: "not_a_mode"}, "", nil); err == nil {
		t.Fatal("expected an error for an unrecognized ingest mode")
	}
}

func TestIngestTail_StopsExactlyAtMaxItems(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tail.jsonl")
	body := `{"id":"r1","sensor_id":"s1","domain":"land","source_type":"camera","ts_ms":1}
{"id":"r2","sensor_id":"s1","domain":"land","source_type":"camera","ts_ms":2}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to seed tail file: %v", err)
	}

	cfg := config.IngestConfig{Mode: "tail", Tail: config.TailConfig{Path: path, MaxItems: 2, PollIntervalSec: 1}}
	readings, stats, err := Ingest(context.Background(), cfg, "", nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(readings) != 2 || stats.Count != 2 {
		t.Fatalf("expected exactly 2 readings without ever waiting, got %+v / %+v", readings, stats)
	}
}

func TestIngestTail_CountsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tail.jsonl")
	body := "not json\n{\"id\":\"r1\",\"sensor_id\":\"s1\",\"domain\":\"land\",\"source_type\":\"camera\",\"ts_ms\":1}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to seed tail file: %v", err)
	}

	cfg := config.IngestConfig{Mode: "tail", Tail: config.TailConfig{Path: path, MaxItems: 1, PollIntervalSec: 1}}
	readings, stats, err := Ingest(context.Background(), cfg, "", nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(readings) != 1 || stats.Malformed != 1 {
		t.Fatalf("expected 1 reading and 1 malformed line, got %+v / %+v", readings, stats)
	}
}

func TestIngestModulesMedia_NilAdapterYieldsEmptyUnused(t *testing.T) {
	readings, stats, err := Ingest(context.Background(), config.IngestConfig{Mode: "modules_media"}, "", nil)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(readings) != 0 || stats.ModulesUsed {
		t.Fatalf("expected no readings and modules_used=false, got %+v / %+v", readings, stats)
	}
}

type fakeMediaAdapter struct {
	readings []SensorReading
}

func (f fakeMediaAdapter) Readings(ctx context.Context, cfg config.ModulesConfig) ([]SensorReading, error) {
	return f.readings, nil
}

func TestIngestModulesMedia_UsesAdapterReadings(t *testing.T) {
	adapter := fakeMediaAdapter{readings: []SensorReading{{ID: "r1", SensorID: "s1", Domain: "land", SourceType: "camera", TSMillis: 1}}}
	readings, stats, err := Ingest(context.Background(), config.IngestConfig{Mode: "modules_media"}, "", adapter)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(readings) != 1 || !stats.ModulesUsed {
		t.Fatalf("expected 1 reading and modules_used=true, got %+v / %+v", readings, stats)
	}
}
