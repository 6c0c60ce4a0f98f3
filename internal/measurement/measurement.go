// Package measurement defines the sensor reading exchanged between peers and
// reported to the directory, together with the feed of precomputed readings
// a sensor replays.
package measurement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed reports a record or wire payload that is not a measurement.
var ErrMalformed = errors.New("malformed measurement")

// Measurement is one immutable reading. Temperature, pressure and humidity
// are always present; a nil pollutant means the sensor cannot measure it.
type Measurement struct {
	Temperature int  `json:"temperature"`
	Pressure    int  `json:"pressure"`
	Humidity    int  `json:"humidity"`
	CO          *int `json:"co,omitempty"`
	NO2         *int `json:"no2,omitempty"`
	SO2         *int `json:"so2,omitempty"`
}

// Int returns a pointer to v, for building optional fields.
func Int(v int) *int {
	return &v
}

// ParseCSV parses a six-column record: temperature, pressure, humidity, co,
// no2, so2. The last three columns may be empty.
func ParseCSV(record string) (Measurement, error) {
	fields := strings.Split(strings.TrimSpace(record), ",")
	if len(fields) != 6 {
		return Measurement{}, fmt.Errorf("%w: want 6 fields, got %d in %q", ErrMalformed, len(fields), record)
	}

	var mandatory [3]int
	for i := range mandatory {
		v, err := strconv.Atoi(strings.TrimSpace(fields[i]))
		if err != nil {
			return Measurement{}, fmt.Errorf("%w: field %d of %q: %v", ErrMalformed, i+1, record, err)
		}
		mandatory[i] = v
	}

	var optional [3]*int
	for i := range optional {
		raw := strings.TrimSpace(fields[3+i])
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Measurement{}, fmt.Errorf("%w: field %d of %q: %v", ErrMalformed, 4+i, record, err)
		}
		optional[i] = Int(v)
	}

	return Measurement{
		Temperature: mandatory[0],
		Pressure:    mandatory[1],
		Humidity:    mandatory[2],
		CO:          optional[0],
		NO2:         optional[1],
		SO2:         optional[2],
	}, nil
}

// CSV renders m in the format accepted by ParseCSV.
func (m Measurement) CSV() string {
	cols := []string{
		strconv.Itoa(m.Temperature),
		strconv.Itoa(m.Pressure),
		strconv.Itoa(m.Humidity),
		optionalString(m.CO),
		optionalString(m.NO2),
		optionalString(m.SO2),
	}
	return strings.Join(cols, ",")
}

func optionalString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// Average combines two readings field by field. Present values are averaged
// with integer division; a value present on one side only is kept as is; a
// value absent on both sides stays absent.
func Average(a, b Measurement) Measurement {
	return Measurement{
		Temperature: (a.Temperature + b.Temperature) / 2,
		Pressure:    (a.Pressure + b.Pressure) / 2,
		Humidity:    (a.Humidity + b.Humidity) / 2,
		CO:          averageOptional(a.CO, b.CO),
		NO2:         averageOptional(a.NO2, b.NO2),
		SO2:         averageOptional(a.SO2, b.SO2),
	}
}

func averageOptional(a, b *int) *int {
	switch {
	case a != nil && b != nil:
		return Int((*a + *b) / 2)
	case a != nil:
		return Int(*a)
	case b != nil:
		return Int(*b)
	default:
		return nil
	}
}

// Equal reports whether both readings carry the same values.
func (m Measurement) Equal(o Measurement) bool {
	return m.Temperature == o.Temperature &&
		m.Pressure == o.Pressure &&
		m.Humidity == o.Humidity &&
		optionalEqual(m.CO, o.CO) &&
		optionalEqual(m.NO2, o.NO2) &&
		optionalEqual(m.SO2, o.SO2)
}

func optionalEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m Measurement) String() string {
	return fmt.Sprintf("Measurement{temperature=%d, pressure=%d, humidity=%d, co=%s, no2=%s, so2=%s}",
		m.Temperature, m.Pressure, m.Humidity, display(m.CO), display(m.NO2), display(m.SO2))
}

func display(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

// Encode returns the JSON wire form of m.
func (m Measurement) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// wire mirrors Measurement with every field optional so that Decode can tell
// a missing mandatory field from a zero value.
type wire struct {
	Temperature *int `json:"temperature"`
	Pressure    *int `json:"pressure"`
	Humidity    *int `json:"humidity"`
	CO          *int `json:"co"`
	NO2         *int `json:"no2"`
	SO2         *int `json:"so2"`
}

// Decode parses the JSON wire form produced by Encode. Empty input, null, or
// a payload missing a mandatory field is rejected with ErrMalformed.
func Decode(data []byte) (Measurement, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return Measurement{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var w wire
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return Measurement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Temperature == nil || w.Pressure == nil || w.Humidity == nil {
		return Measurement{}, fmt.Errorf("%w: missing mandatory field in %s", ErrMalformed, trimmed)
	}

	return Measurement{
		Temperature: *w.Temperature,
		Pressure:    *w.Pressure,
		Humidity:    *w.Humidity,
		CO:          w.CO,
		NO2:         w.NO2,
		SO2:         w.SO2,
	}, nil
}
