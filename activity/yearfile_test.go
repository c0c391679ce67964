package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilename(t *testing.T) {
	assert.Equal(t, "Runkeeper-activity-data-2015.json", Filename(2015))
}

func TestNewMetadata(t *testing.T) {
	meta := NewMetadata(2015, true)

	assert.Equal(t, Description, meta.Description)
	assert.Equal(t, []string{"GPS", "Runkeeper"}, meta.Tags)
	assert.Equal(t, 2015, meta.DataYear)
	assert.True(t, meta.Complete)
}

func TestFitness(t *testing.T) {
	var detail Record
	require.NoError(t, JSON.UnmarshalFromString(`{
		"type": "Running",
		"start_time": "Tue, 1 Mar 2011 07:00:00",
		"total_distance": 5012.5,
		"uri": "/fitnessActivities/1",
		"path": [
			{"latitude": 46.05, "longitude": 14.5, "altitude": 295, "timestamp": 0, "type": "start", "extra": true},
			{"latitude": 46.06, "longitude": 14.51, "timestamp": 10.5, "type": "end"}
		]
	}`, &detail))

	out, err := Fitness(detail)
	require.NoError(t, err)

	assert.Len(t, out, len(FitnessSummaryKeys)+1)
	assert.Equal(t, "", out["equipment"])
	assert.NotContains(t, out, "uri")

	path := out["path"].([]Record)
	require.Len(t, path, 2)
	assert.Len(t, path[0], len(FitnessPathKeys))
	assert.NotContains(t, path[0], "extra")
	assert.Equal(t, "", path[1]["altitude"])
}

func TestFitnessWithoutPath(t *testing.T) {
	out, err := Fitness(Record{"type": "Yoga", "start_time": "Tue, 1 Mar 2011 07:00:00"})
	require.NoError(t, err)
	assert.Equal(t, []Record{}, out["path"])
}

func TestYearFileEncode(t *testing.T) {
	var detail Record
	require.NoError(t, JSON.UnmarshalFromString(`{"type": "Running", "total_distance": 5012.50, "path": []}`, &detail))
	fitness, err := Fitness(detail)
	require.NoError(t, err)

	f := NewYearFile()
	f.FitnessActivities = append(f.FitnessActivities, fitness)

	data, err := f.Encode()
	require.NoError(t, err)

	want := `{
  "background_activities": [],
  "fitness_activities": [
    {
      "climb": "",
      "duration": "",
      "equipment": "",
      "path": [],
      "source": "",
      "start_time": "",
      "total_calories": "",
      "total_distance": 5012.50,
      "type": "Running",
      "utc_offset": ""
    }
  ]
}`
	assert.Equal(t, want, string(data))
}
