// Package feed acquires aircraft telemetry for the SkyAware map and delivers
// it as periodic snapshots in the dump1090 aircraft.json schema.
//
// Two backends implement the same Fetcher interface:
//
//   - PollFetcher fetches a complete snapshot from an HTTP endpoint on a
//     fixed interval, skipping a tick while the previous request is in flight.
//   - StreamFetcher holds a WebSocket open, merges incremental per-aircraft
//     messages into a working set and synthesizes snapshots on a timer,
//     reconnecting on a fixed backoff schedule.
//
// Both push results to the host through callbacks; the host never pulls.
package feed

import (
	"context"
	"sort"
)

// Record is one aircraft in a Snapshot, keyed by its "hex" field.
// Field names and value types follow the dump1090 aircraft.json schema.
type Record map[string]any

// Hex returns the ICAO transponder address of the record.
func (r Record) Hex() string {
	hex, _ := r["hex"].(string)
	return hex
}

// Clone returns a copy of the record. Slice values are copied as well so the
// clone shares no mutable state with the original.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		out[k] = v
	}
	return out
}

// Snapshot is the unit delivered to the host: the full list of currently
// tracked aircraft at one instant.
type Snapshot struct {
	// Now is the snapshot time in seconds since the Unix epoch
	Now float64 `json:"now"`

	// Messages is the total number of messages processed by the source
	Messages int64 `json:"messages"`

	// Aircraft holds one record per tracked aircraft
	Aircraft []Record `json:"aircraft"`
}

// sortAircraft orders records by hex so consecutive snapshots are stable.
func sortAircraft(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Hex() < records[j].Hex()
	})
}

// Fetcher is the interface both backends implement.
type Fetcher interface {
	// Run starts fetching and blocks until ctx is cancelled.
	// The first fetch (or dial) happens immediately.
	Run(ctx context.Context) error

	// Name identifies the backend ("poll" or "stream").
	Name() string
}

// Callbacks are the host hooks a fetcher pushes results through.
type Callbacks struct {
	// OnNewData receives every snapshot. Required.
	OnNewData func(Snapshot)

	// OnDataError receives a human-readable description of a failure.
	OnDataError func(message string)

	// OnUnauthorized is called when the session endpoint rejects the
	// client; the host should leave the view entirely. When nil the
	// condition is reported through OnDataError.
	OnUnauthorized func()
}

func (c Callbacks) newData(s Snapshot) {
	if c.OnNewData != nil {
		c.OnNewData(s)
	}
}

func (c Callbacks) dataError(message string) {
	if c.OnDataError != nil {
		c.OnDataError(message)
	}
}

func (c Callbacks) unauthorized() {
	if c.OnUnauthorized != nil {
		c.OnUnauthorized()
		return
	}
	c.dataError("You are no longer authorized to view this feed.")
}
