package pipeline

import (
	"fmt"
	"sort"
)

// FusionStats summarizes one fusion pass for the audit entry.
type FusionStats struct {
	Tracks  int
	Domains int
}

// Fuse groups readings by (domain, track key) and produces one
// EntityTrack per group, with last_seen_ms set to the max timestamp of
// its contributing readings. Output is sorted by domain, then track
// ID, for deterministic export.
func Fuse(readings []SensorReading) ([]EntityTrack, FusionStats) {
	type key struct {
		domain string
		track  string
	}

	tracks := make(map[key]*EntityTrack)
	domains := make(map[string]struct{})

	for _, r := range readings {
		domains[r.Domain] = struct{}{}

		trackID, _ := r.Details["track_id"].(string)
		if trackID == "" {
			trackID = fmt.Sprintf("anon_%s_%s", r.Domain, r.SensorID)
		}
		k := key{domain: r.Domain, track: trackID}

		t, ok := tracks[k]
		if !ok {
			t = &EntityTrack{
				ID:         trackID,
				Domain:     r.Domain,
				Label:      trackID,
				Attributes: map[string]any{},
			}
			tracks[k] = t
		}
		if r.TSMillis > t.LastSeenMS {
			t.LastSeenMS = r.TSMillis
		}
	}

	out := make([]EntityTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].ID < out[j].ID
	})

	return out, FusionStats{Tracks: len(out), Domains: len(domains)}
}
