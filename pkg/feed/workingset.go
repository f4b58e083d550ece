package feed

import "time"

// StaleAfter is how long an aircraft may go without a message before it is
// dropped from the working set.
const StaleAfter = 300 * time.Second

// Wire fields the stream carries besides the mapped ones.
const (
	wireHex         = "hexid"
	wireClock       = "clock"
	wirePositionAge = "position_age"
	wireMlat        = "mlat"
)

// entry is one aircraft in the working set. Timestamps are epoch seconds and
// stay outside the record so they never reach a snapshot.
type entry struct {
	record        Record
	messages      int
	lastUpdate    float64
	lastPosUpdate float64
	hasPos        bool
}

// WorkingSet aggregates incremental messages into per-aircraft records.
// It is not safe for concurrent use; StreamFetcher confines it to its
// event loop.
type WorkingSet struct {
	entries  map[string]*entry
	messages int64
}

// NewWorkingSet returns an empty working set.
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{entries: make(map[string]*entry)}
}

// Len returns the number of tracked aircraft.
func (ws *WorkingSet) Len() int {
	return len(ws.entries)
}

// Messages returns the number of messages ingested so far.
func (ws *WorkingSet) Messages() int64 {
	return ws.messages
}

// Ingest merges one decoded wire message into the working set. now is used
// as the update time when the message carries no clock. Messages without an
// aircraft identifier are dropped and Ingest reports false.
func (ws *WorkingSet) Ingest(msg map[string]any, now time.Time) bool {
	hex, _ := msg[wireHex].(string)
	if hex == "" {
		return false
	}

	clock, ok := toFloat(msg[wireClock])
	if !ok {
		clock = epochSeconds(now)
	}

	update := MapFields(msg)
	update["hex"] = hex
	update["rssi"] = 0.0
	if hasKeys(msg, wireMlat, "lat", "lon") {
		update["mlat"] = true
	}

	e, exists := ws.entries[hex]
	if !exists {
		e = &entry{record: make(Record, len(update)+2)}
		ws.entries[hex] = e
	}
	for k, v := range update {
		e.record[k] = v
	}
	e.messages++
	e.record["messages"] = e.messages
	e.lastUpdate = clock
	if age, ok := toFloat(msg[wirePositionAge]); ok {
		e.lastPosUpdate = clock - age
		e.hasPos = true
	}

	ws.messages++
	return true
}

// Snapshot recomputes seen and seen_pos against now, evicts aircraft whose
// seen exceeds StaleAfter and returns the remaining aircraft along with the
// number evicted. The returned records are copies.
func (ws *WorkingSet) Snapshot(now time.Time) (Snapshot, int) {
	t := epochSeconds(now)
	limit := StaleAfter.Seconds()

	aircraft := make([]Record, 0, len(ws.entries))
	evicted := 0
	for hex, e := range ws.entries {
		seen := t - e.lastUpdate
		if seen > limit {
			delete(ws.entries, hex)
			evicted++
			continue
		}

		r := e.record.Clone()
		r["seen"] = seen
		if e.hasPos {
			r["seen_pos"] = t - e.lastPosUpdate
		}
		aircraft = append(aircraft, r)
	}
	sortAircraft(aircraft)

	return Snapshot{
		Now:      t,
		Messages: ws.messages,
		Aircraft: aircraft,
	}, evicted
}

func hasKeys(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

// epochSeconds converts t to fractional seconds since the Unix epoch.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
