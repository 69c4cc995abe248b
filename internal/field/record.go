package field

// Record is one row returned by a data source. Precipitation-style variables
// carry Value; wind carries U, V, Speed and Direction.
type Record struct {
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Value     *float64 `json:"value,omitempty"`
	U         *float64 `json:"u,omitempty"`
	V         *float64 `json:"v,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Direction *float64 `json:"direction,omitempty"`
}

// ValueSelector extracts the scalar to render from a record.
type ValueSelector func(Record) (float64, bool)

// ValueOf selects the generic value field.
func ValueOf(r Record) (float64, bool) {
	if r.Value == nil {
		return 0, false
	}
	return *r.Value, true
}

// SpeedOf selects the wind speed field.
func SpeedOf(r Record) (float64, bool) {
	if r.Speed == nil {
		return 0, false
	}
	return *r.Speed, true
}

// SelectorFor returns the selector for a variable name.
func SelectorFor(variable string) ValueSelector {
	if variable == "wind" {
		return SpeedOf
	}
	return ValueOf
}

// Float returns a pointer to v, for building records.
func Float(v float64) *float64 { return &v }
