package activity

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	Source      = "Runkeeper"
	Description = "Runkeeper GPS maps and imported activity data."
)

var (
	BackgroundKeys = []string{"timestamp", "steps", "calories_burned", "source"}

	FitnessSummaryKeys = []string{"type", "equipment", "start_time", "utc_offset",
		"total_distance", "duration", "total_calories", "climb", "source"}

	FitnessPathKeys = []string{"latitude", "longitude", "altitude", "timestamp", "type"}
)

// fileJSON sorts map keys. Indentation is applied afterwards with
// json.Indent, jsoniter does not indent values nested in sorted maps.
var fileJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// YearFile is the content of one uploaded file. Field order keeps the top
// level keys sorted.
type YearFile struct {
	BackgroundActivities []Record `json:"background_activities"`
	FitnessActivities    []Record `json:"fitness_activities"`
}

func NewYearFile() *YearFile {
	return &YearFile{
		BackgroundActivities: []Record{},
		FitnessActivities:    []Record{},
	}
}

func (f *YearFile) Encode() ([]byte, error) {
	data, err := fileJSON.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode year file")
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return nil, errors.Wrap(err, "could not indent year file")
	}
	return out.Bytes(), nil
}

// Filename is the stable name of a year's file at the destination.
func Filename(year int) string {
	return fmt.Sprintf("%s-activity-data-%d.json", Source, year)
}

// Metadata is the sidecar attached to every uploaded file.
type Metadata struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	DataYear    int      `json:"dataYear"`
	Complete    bool     `json:"complete"`
}

func NewMetadata(year int, complete bool) Metadata {
	return Metadata{
		Description: Description,
		Tags:        []string{"GPS", Source},
		DataYear:    year,
		Complete:    complete,
	}
}

// StoredFile is a file already present at the destination.
type StoredFile struct {
	Basename    string
	DownloadURL string
	Tags        []string
}

func (f StoredFile) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Background projects a background activity listing item.
func Background(item Record) Record {
	return Project(item, BackgroundKeys)
}

// Fitness projects a fitness activity detail, including its GPS path. A
// detail without a path (manual entries) gets an empty one.
func Fitness(detail Record) (Record, error) {
	out := Project(detail, FitnessSummaryKeys)

	path := []Record{}
	if raw, ok := detail["path"]; ok && raw != nil {
		points, ok := raw.([]interface{})
		if !ok {
			return nil, errors.Errorf("unexpected path type %T", raw)
		}
		for i, point := range points {
			m, ok := point.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf("unexpected path point %d type %T", i, point)
			}
			path = append(path, Project(m, FitnessPathKeys))
		}
	}
	out["path"] = path

	return out, nil
}
