// Package activity partitions Runkeeper records by calendar year and shapes
// them into the per-year files uploaded for a member.
package activity

import (
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/matematik7/runkeeper-oh/failure"
)

// TimeLayout is the Runkeeper timestamp format. It carries no zone, the
// parsed value is used as naive local time.
const TimeLayout = "Mon, 2 Jan 2006 15:04:05"

// JSON decodes API payloads keeping numbers as json.Number, so values are
// written back exactly as Runkeeper sent them.
var JSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Record is one item from a Runkeeper listing or detail endpoint.
type Record map[string]interface{}

// Buckets holds records per calendar year.
type Buckets map[int][]Record

// YearSet is a set of years.
type YearSet map[int]bool

// Years returns the years in ascending order.
func (s YearSet) Years() []int {
	years := make([]int, 0, len(s))
	for year := range s {
		years = append(years, year)
	}
	sort.Ints(years)
	return years
}

// Time returns the record's start_time, or timestamp when start_time is
// absent.
func (r Record) Time() (time.Time, error) {
	raw, ok := r["start_time"]
	if !ok {
		raw, ok = r["timestamp"]
	}
	if !ok {
		return time.Time{}, &failure.MalformedTimeError{}
	}

	value, ok := raw.(string)
	if !ok {
		return time.Time{}, &failure.MalformedTimeError{Value: fmt.Sprint(raw), Cause: errors.Errorf("expected string, got %T", raw)}
	}

	t, err := time.Parse(TimeLayout, value)
	if err != nil {
		return time.Time{}, &failure.MalformedTimeError{Value: value, Cause: err}
	}
	return t, nil
}

// Partition groups records by the year of their time field. A year is marked
// complete when it lies strictly before the year of now minus one day; the
// decision is taken when the year is first seen. Records inside a bucket keep
// input order, use SortByTime before writing them out.
func Partition(records []Record, now time.Time) (Buckets, YearSet, error) {
	currentYear := now.Add(-24 * time.Hour).Year()

	buckets := Buckets{}
	complete := YearSet{}

	for _, record := range records {
		t, err := record.Time()
		if err != nil {
			return nil, nil, err
		}

		year := t.Year()
		if _, seen := buckets[year]; !seen {
			buckets[year] = []Record{}
			if year < currentYear {
				complete[year] = true
			}
		}
		buckets[year] = append(buckets[year], record)
	}

	return buckets, complete, nil
}

// SortByTime sorts records ascending by their time field, keeping the order
// of records with equal times.
func SortByTime(records []Record) error {
	type timed struct {
		t      time.Time
		record Record
	}

	items := make([]timed, len(records))
	for i, record := range records {
		t, err := record.Time()
		if err != nil {
			return err
		}
		items[i] = timed{t: t, record: record}
	}

	sort.SliceStable(items, func(a, b int) bool {
		return items[a].t.Before(items[b].t)
	})

	for i := range items {
		records[i] = items[i].record
	}
	return nil
}

// Project maps record onto exactly keys. Missing keys are set to "".
func Project(record Record, keys []string) Record {
	out := make(Record, len(keys))
	for _, key := range keys {
		if value, ok := record[key]; ok {
			out[key] = value
		} else {
			out[key] = ""
		}
	}
	return out
}
