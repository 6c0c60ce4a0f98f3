package measurement

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

//go:embed readings.csv
var defaultReadings string

// ErrEmptyFeed is returned when a feed source holds no readings.
var ErrEmptyFeed = errors.New("feed has no readings")

// Feed is a finite, index-addressable sequence of precomputed readings.
// It is read-only after loading and safe for concurrent use.
type Feed struct {
	readings []Measurement
}

// NewFeed wraps readings in a Feed.
func NewFeed(readings []Measurement) (*Feed, error) {
	if len(readings) == 0 {
		return nil, ErrEmptyFeed
	}
	return &Feed{readings: append([]Measurement(nil), readings...)}, nil
}

// LoadCSV reads a feed from r. The first line is a header and is skipped,
// as are blank lines.
func LoadCSV(r io.Reader) (*Feed, error) {
	sc := bufio.NewScanner(r)
	var readings []Measurement
	line := 0
	for sc.Scan() {
		line++
		if line == 1 {
			continue
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		m, err := ParseCSV(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		readings = append(readings, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NewFeed(readings)
}

// LoadFile reads a feed from a CSV file on disk.
func LoadFile(path string) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadCSV(f)
}

var (
	defaultOnce sync.Once
	defaultFeed *Feed
	defaultErr  error
)

// Default returns the embedded dataset of 100 readings.
func Default() (*Feed, error) {
	defaultOnce.Do(func() {
		defaultFeed, defaultErr = LoadCSV(strings.NewReader(defaultReadings))
	})
	return defaultFeed, defaultErr
}

// Len returns the number of readings.
func (f *Feed) Len() int {
	return len(f.readings)
}

// At returns the reading at index, wrapping around the feed length.
func (f *Feed) At(index int) Measurement {
	n := len(f.readings)
	i := index % n
	if i < 0 {
		i += n
	}
	return f.readings[i]
}
