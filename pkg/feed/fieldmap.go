package feed

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Cast names a value conversion applied while mapping a wire field.
type Cast int

const (
	// CastNone passes the wire value through unchanged
	CastNone Cast = iota

	// CastNumber parses the value as a float64
	CastNumber

	// CastArray splits a space-delimited string into tokens
	CastArray
)

// FieldMapping describes how one wire field lands in a Record.
type FieldMapping struct {
	// Output is the record field name; empty means same as the wire name
	Output string

	// Cast is the conversion applied to the value
	Cast Cast
}

// FieldMap translates the incremental stream vocabulary into the
// aircraft.json vocabulary. Wire fields without an entry are ignored.
var FieldMap = map[string]FieldMapping{
	"ident":            {Output: "flight"},
	"lat":              {Cast: CastNumber},
	"lon":              {Cast: CastNumber},
	"gs":               {Cast: CastNumber},
	"speed_ias":        {Output: "ias", Cast: CastNumber},
	"speed_tas":        {Output: "tas", Cast: CastNumber},
	"mach":             {Cast: CastNumber},
	"alt":              {Output: "alt_baro", Cast: CastNumber},
	"vrate":            {Output: "baro_rate", Cast: CastNumber},
	"alt_gnss":         {Output: "alt_geom", Cast: CastNumber},
	"vrate_geom":       {Output: "geom_rate", Cast: CastNumber},
	"heading":          {Output: "track", Cast: CastNumber},
	"heading_magnetic": {Output: "mag_heading", Cast: CastNumber},
	"heading_true":     {Output: "true_heading", Cast: CastNumber},
	"track_rate":       {Cast: CastNumber},
	"roll":             {Cast: CastNumber},
	"nav_alt_mcp":      {Output: "nav_altitude_mcp", Cast: CastNumber},
	"nav_alt_fms":      {Output: "nav_altitude_fms", Cast: CastNumber},
	"nav_heading":      {Cast: CastNumber},
	"nav_modes":        {Cast: CastArray},
	"nav_qnh":          {Cast: CastNumber},
	"adsb_version":     {Output: "version"},
	"adsb_category":    {Output: "category"},
	"squawk":           {},
	"sil_type":         {},
	"nac_p":            {Cast: CastNumber},
	"nac_v":            {Cast: CastNumber},
	"pos_rc":           {Output: "rc", Cast: CastNumber},
	"sil":              {Cast: CastNumber},
	"nic_baro":         {Cast: CastNumber},
}

// outputName returns the record field name for a wire field.
func (m FieldMapping) outputName(wire string) string {
	if m.Output == "" {
		return wire
	}
	return m.Output
}

// apply converts a wire value. Values the cast does not understand are
// returned unchanged.
func (c Cast) apply(v any) any {
	switch c {
	case CastNumber:
		if f, ok := toFloat(v); ok {
			return f
		}
		return v
	case CastArray:
		if s, ok := v.(string); ok {
			return strings.Fields(s)
		}
		return v
	default:
		return v
	}
}

// MapFields applies FieldMap to a decoded wire message and returns the
// mapped fields. Bookkeeping fields (hex, timestamps) are not included.
func MapFields(msg map[string]any) Record {
	out := make(Record, len(msg))
	for wire, v := range msg {
		m, ok := FieldMap[wire]
		if !ok {
			continue
		}
		out[m.outputName(wire)] = m.Cast.apply(v)
	}
	return out
}

// toFloat accepts JSON numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
