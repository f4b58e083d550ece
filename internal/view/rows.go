// Package view turns snapshots into display rows for the terminal
// consumers.
package view

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/abcd567a/dump1090/pkg/feed"
)

// Row is one aircraft prepared for display. Pointer fields are nil when the
// record does not carry the value.
type Row struct {
	// Hex is the ICAO transponder address
	Hex string

	// Flight is the callsign with padding trimmed
	Flight string

	// Altitude is the barometric altitude in feet (geometric as fallback)
	Altitude *float64

	// OnGround is set when the altitude field reads "ground"
	OnGround bool

	// GroundSpeed in knots
	GroundSpeed *float64

	// Track is the ground track in degrees (0-359)
	Track *float64

	// VerticalRate in feet per minute
	VerticalRate *float64

	Squawk   string
	Category string

	// Seen is seconds since the last message
	Seen float64

	Messages int64

	// Mlat is set when the position was multilaterated
	Mlat bool
}

// SortKey names a row ordering.
type SortKey string

const (
	SortHex      SortKey = "hex"
	SortFlight   SortKey = "flight"
	SortAltitude SortKey = "altitude"
	SortSpeed    SortKey = "speed"
	SortSeen     SortKey = "seen"
)

// SortKeys lists the orderings in cycling order.
var SortKeys = []SortKey{SortHex, SortFlight, SortAltitude, SortSpeed, SortSeen}

// Next returns the ordering after k, wrapping around.
func (k SortKey) Next() SortKey {
	for i, key := range SortKeys {
		if key == k {
			return SortKeys[(i+1)%len(SortKeys)]
		}
	}
	return SortHex
}

// FromRecord converts a snapshot record into a Row.
func FromRecord(r feed.Record) Row {
	row := Row{
		Hex: r.Hex(),
	}

	// Callsigns arrive space padded to eight characters
	if flight, ok := r["flight"].(string); ok {
		row.Flight = strings.TrimSpace(flight)
	}

	// Prefer barometric altitude; fall back to geometric
	if alt, ground := parseAltitude(r["alt_baro"]); alt != nil {
		row.Altitude, row.OnGround = alt, ground
	} else if alt, ground := parseAltitude(r["alt_geom"]); alt != nil {
		row.Altitude, row.OnGround = alt, ground
	}

	row.GroundSpeed = number(r["gs"])
	row.Track = number(r["track"])
	row.VerticalRate = number(r["baro_rate"])
	if row.VerticalRate == nil {
		row.VerticalRate = number(r["geom_rate"])
	}

	row.Squawk, _ = r["squawk"].(string)
	row.Category, _ = r["category"].(string)

	if seen := number(r["seen"]); seen != nil {
		row.Seen = *seen
	}
	if msgs := number(r["messages"]); msgs != nil {
		row.Messages = int64(*msgs)
	}

	switch v := r["mlat"].(type) {
	case bool:
		row.Mlat = v
	case []interface{}:
		row.Mlat = len(v) > 0
	case []string:
		row.Mlat = len(v) > 0
	}

	return row
}

// Rows converts and orders every aircraft in snapshot.
func Rows(snapshot feed.Snapshot, key SortKey, descending bool) []Row {
	rows := make([]Row, 0, len(snapshot.Aircraft))
	for _, r := range snapshot.Aircraft {
		rows = append(rows, FromRecord(r))
	}
	Sort(rows, key, descending)
	return rows
}

// Sort orders rows by key. Rows missing the sort value go last in either
// direction; ties fall back to hex.
func Sort(rows []Row, key SortKey, descending bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		var cmp int
		switch key {
		case SortHex:
			cmp = strings.Compare(a.Hex, b.Hex)
		case SortFlight:
			cmp = compareStrings(a.Flight, b.Flight)
		case SortAltitude:
			cmp = compareOptional(a.Altitude, b.Altitude)
		case SortSpeed:
			cmp = compareOptional(a.GroundSpeed, b.GroundSpeed)
		case SortSeen:
			cmp = compareFloats(a.Seen, b.Seen)
		}
		if cmp == missingLast || cmp == missingFirst {
			return cmp == missingFirst
		}
		if descending {
			cmp = -cmp
		}
		if cmp == 0 {
			return a.Hex < b.Hex
		}
		return cmp < 0
	})
}

// Sentinels from comparisons where one side lacks a value. They bypass the
// direction flip.
const (
	missingFirst = -2
	missingLast  = 2
)

func compareOptional(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return missingLast
	case b == nil:
		return missingFirst
	}
	return compareFloats(*a, *b)
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareStrings treats an empty string as missing.
func compareStrings(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return missingLast
	case b == "":
		return missingFirst
	case a < b:
		return -1
	}
	return 1
}

// FormatAltitude renders an altitude in feet, "ground" or "-".
func (r Row) FormatAltitude() string {
	if r.OnGround {
		return "ground"
	}
	if r.Altitude == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f ft", *r.Altitude)
}

// FormatSpeed renders ground speed in knots.
func (r Row) FormatSpeed() string {
	if r.GroundSpeed == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f kt", *r.GroundSpeed)
}

// FormatTrack renders the track in whole degrees.
func (r Row) FormatTrack() string {
	if r.Track == nil {
		return "-"
	}
	return fmt.Sprintf("%03.0f°", *r.Track)
}

// FormatVerticalRate renders the vertical rate with a sign and an arrow.
func (r Row) FormatVerticalRate() string {
	if r.VerticalRate == nil {
		return "-"
	}
	v := *r.VerticalRate
	switch {
	case v > 64:
		return fmt.Sprintf("↑%+.0f", v)
	case v < -64:
		return fmt.Sprintf("↓%+.0f", v)
	}
	return "level"
}

// FormatFlight returns the callsign or a placeholder.
func (r Row) FormatFlight() string {
	if r.Flight == "" {
		return "--------"
	}
	return r.Flight
}

// FormatSeen renders the age of the last message.
func (r Row) FormatSeen() string {
	return fmt.Sprintf("%.0fs", r.Seen)
}

// Age buckets for colouring rows.
type Age int

const (
	AgeFresh Age = iota
	AgeAging
	AgeStale
)

// AgeClass buckets Seen at 30 and 60 seconds.
func (r Row) AgeClass() Age {
	switch {
	case r.Seen > 60:
		return AgeStale
	case r.Seen > 30:
		return AgeAging
	}
	return AgeFresh
}

// parseAltitude extracts an altitude that may be a number or "ground".
func parseAltitude(val interface{}) (*float64, bool) {
	switch v := val.(type) {
	case string:
		if v == "ground" {
			zero := 0.0
			return &zero, true
		}
		return number(v), false
	default:
		return number(v), false
	}
}

func number(val interface{}) *float64 {
	switch v := val.(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}
