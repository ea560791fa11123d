package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sentinelmesh/oversight/pkg/config"
)

// IngestStats summarizes one ingest run for the audit entry and
// metrics recorder.
type IngestStats struct {
	Mode        string
	Count       int
	Malformed   int
	ModulesUsed bool
}

// MediaAdapter delegates to the external media-modules analytics
// pipeline (vision/audio/thermal/gait/scene), which lives outside this
// module's scope. A nil adapter is treated as "unavailable".
type MediaAdapter interface {
	Readings(ctx context.Context, cfg config.ModulesConfig) ([]SensorReading, error)
}

// Ingest produces the ordered SensorReading stream for one run,
// dispatching on cfg.Mode. scenarioPath comes from the CLI's
// --scenario flag rather than the config document, since it names a
// single run's input rather than a standing pipeline setting.
func Ingest(ctx context.Context, cfg config.IngestConfig, scenarioPath string, adapter MediaAdapter) ([]SensorReading, IngestStats, error) {
	switch cfg.Mode {
	case "", "scenario":
		return ingestScenario(scenarioPath)
	case "tail":
		return ingestTail(ctx, cfg)
	case "modules_media":
		return ingestModulesMedia(ctx, cfg, adapter)
	default:
		return nil, IngestStats{}, NewConfigError("pipeline.ingest.mode", fmt.Sprintf("unrecognized ingest mode %q", cfg.Mode), nil)
	}
}

type scenarioDocument struct {
	SensorReadings []SensorReading `yaml:"sensor_readings"`
}

// ingestScenario parses a structured YAML document with a top-level
// sensor_readings list and validates required fields on every reading.
func ingestScenario(path string) ([]SensorReading, IngestStats, error) {
	if path == "" {
		return nil, IngestStats{}, NewConfigError("--scenario", "scenario mode requires a scenario path", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, IngestStats{}, NewInputFormatError(path, "failed to read scenario file", err)
	}

	var doc scenarioDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, IngestStats{}, NewInputFormatError(path, "failed to parse scenario document", err)
	}

	for i, r := range doc.SensorReadings {
		if err := validateReading(r); err != nil {
			return nil, IngestStats{}, NewInputFormatError(path, fmt.Sprintf("sensor_readings[%d]: %v", i, err), nil)
		}
	}

	return doc.SensorReadings, IngestStats{Mode: "scenario", Count: len(doc.SensorReadings)}, nil
}

func validateReading(r SensorReading) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("missing id")
	case r.SensorID == "":
		return fmt.Errorf("missing sensor_id")
	case r.Domain == "":
		return fmt.Errorf("missing domain")
	case r.SourceType == "":
		return fmt.Errorf("missing source_type")
	case r.TSMillis == 0:
		return fmt.Errorf("missing ts_ms")
	}
	return nil
}

// ingestTail tails a line-delimited file, parsing each new line as one
// reading. It watches the file's directory with fsnotify so a write
// lands immediately rather than waiting out a full poll interval,
// falling back to polling at poll_interval_sec when no fsnotify event
// arrives in time (network filesystems and some container overlays
// don't deliver inotify events reliably). It stops after max_items
// readings or after two consecutive waits produce no new content.
func ingestTail(ctx context.Context, cfg config.IngestConfig) ([]SensorReading, IngestStats, error) {
	path := cfg.Tail.Path
	if path == "" {
		return nil, IngestStats{}, NewConfigError("pipeline.ingest.tail.path", "tail mode requires a path", nil)
	}
	maxItems := cfg.Tail.MaxItems
	if maxItems <= 0 {
		maxItems = 1 << 30
	}
	interval := time.Duration(cfg.Tail.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, IngestStats{}, NewInputFormatError(path, "failed to open tail file", err)
	}
	defer f.Close()

	watcher := newTailWatcher(path)
	if watcher != nil {
		defer watcher.Close()
	}

	reader := bufio.NewReader(f)
	var readings []SensorReading
	malformed := 0
	emptyWaits := 0

	for len(readings) < maxItems {
		gotLine := false
		for {
			line, readErr := reader.ReadString('\n')
			if len(line) > 0 {
				gotLine = true
				if r, ok := parseTailLine(line); ok {
					readings = append(readings, r)
				} else if len(line) > 0 {
					malformed++
				}
			}
			if readErr != nil {
				break
			}
			if len(readings) >= maxItems {
				break
			}
		}

		if len(readings) >= maxItems {
			break
		}
		if gotLine {
			emptyWaits = 0
		} else {
			emptyWaits++
			if emptyWaits >= 2 {
				break
			}
		}

		if err := waitForTailActivity(ctx, watcher, interval); err != nil {
			return readings, IngestStats{Mode: "tail", Count: len(readings), Malformed: malformed}, err
		}
	}

	return readings, IngestStats{Mode: "tail", Count: len(readings), Malformed: malformed}, nil
}

// newTailWatcher returns an fsnotify watcher on path's directory, or
// nil if the watcher can't be created or the directory can't be
// watched; a nil watcher means ingestTail falls back to pure polling.
func newTailWatcher(path string) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil
	}
	return w
}

// waitForTailActivity blocks until the watched directory reports an
// event, the poll interval elapses, or ctx is canceled, whichever
// comes first.
func waitForTailActivity(ctx context.Context, watcher *fsnotify.Watcher, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	if watcher == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-watcher.Events:
		return nil
	case <-watcher.Errors:
		return nil
	case <-timer.C:
		return nil
	}
}

func parseTailLine(line string) (SensorReading, bool) {
	var r SensorReading
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return SensorReading{}, false
	}
	if err := validateReading(r); err != nil {
		return SensorReading{}, false
	}
	return r, true
}

// ingestModulesMedia delegates to the external media adapter. If the
// adapter is unavailable, ingest proceeds with zero readings; the
// caller is responsible for auditing ingest_modules_skipped in that
// case (ModulesUsed is false).
func ingestModulesMedia(ctx context.Context, cfg config.IngestConfig, adapter MediaAdapter) ([]SensorReading, IngestStats, error) {
	if adapter == nil {
		return nil, IngestStats{Mode: "modules_media", ModulesUsed: false}, nil
	}
	readings, err := adapter.Readings(ctx, cfg.Modules)
	if err != nil {
		return nil, IngestStats{Mode: "modules_media", ModulesUsed: false}, nil
	}
	return readings, IngestStats{Mode: "modules_media", Count: len(readings), ModulesUsed: true}, nil
}
