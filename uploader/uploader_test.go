package uploader

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matematik7/runkeeper-oh/activity"
	"github.com/matematik7/runkeeper-oh/config"
	"github.com/matematik7/runkeeper-oh/failure"
	"github.com/matematik7/runkeeper-oh/members"
	"github.com/matematik7/runkeeper-oh/openhumans"
	"github.com/matematik7/runkeeper-oh/openhumans/ohtest"
	"github.com/matematik7/runkeeper-oh/runkeeper"
	"github.com/matematik7/runkeeper-oh/runkeeper/rktest"
)

const (
	ohID           = "23456789"
	ohToken        = "new_oh_access_token"
	runkeeperToken = "runkeeper_access_token"
)

var frozen = time.Date(2016, 6, 24, 12, 0, 0, 0, time.UTC)

type fakeAccounts struct {
	runkeeperID  string
	updated      time.Time
	disconnected bool
	// lookups counts Credentials calls, each one may refresh a token.
	lookups int
}

func (f *fakeAccounts) Credentials(ctx context.Context, id string) (members.Credentials, error) {
	f.lookups++
	if id != ohID || f.disconnected {
		return members.Credentials{}, &failure.AuthError{Reason: "no member"}
	}
	return members.Credentials{
		OHID:           ohID,
		OHAccessToken:  ohToken,
		RunkeeperID:    f.runkeeperID,
		RunkeeperToken: runkeeperToken,
		LastUpdated:    f.updated,
	}, nil
}

func (f *fakeAccounts) SetRunkeeperID(ctx context.Context, id, runkeeperID string) error {
	f.runkeeperID = runkeeperID
	return nil
}

func (f *fakeAccounts) MarkUpdated(ctx context.Context, id string, at time.Time) error {
	f.updated = at
	return nil
}

func (f *fakeAccounts) Disconnect(ctx context.Context, id string) error {
	f.disconnected = true
	return nil
}

type fixture struct {
	rk       *rktest.Server
	oh       *ohtest.Server
	accounts *fakeAccounts
	sync     *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	log := logrus.New()
	log.SetOutput(io.Discard)

	rk := rktest.NewServer(t, runkeeperToken)
	oh := ohtest.NewServer(t)
	oh.AddMember(ohToken, ohID)

	cfg := config.Config{
		Runkeeper:  config.Runkeeper{BaseURL: rk.URL, PageSize: 10000, Timeout: 5 * time.Second, MaxRetries: 2},
		OpenHumans: config.OpenHumans{BaseURL: oh.URL, Timeout: 5 * time.Second, MaxRetries: 2},
		Uploader:   config.Uploader{DetailWorkers: 2},
	}

	source := runkeeper.New(cfg.Runkeeper, log)
	source.BackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	destination := openhumans.New(cfg.OpenHumans, log)
	destination.BackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	accounts := &fakeAccounts{}
	s := New(cfg, accounts, source, destination, log)
	s.Now = func() time.Time { return frozen }

	return &fixture{rk: rk, oh: oh, accounts: accounts, sync: s}
}

// seed serves a member with fitness activities in 2015 and 2016, listed
// newest first like Runkeeper does, and background activities in 2016.
func (f *fixture) seed() {
	f.rk.Handle("/user", `{"userID": 12345, "fitness_activities": "/fitnessActivities", "background_activities": "/backgroundActivities"}`)

	f.rk.Handle("/fitnessActivities?pageSize=10000", `{
		"size": 3,
		"items": [
			{"uri": "/fitnessActivities/3", "start_time": "Sat, 4 Jun 2016 08:00:00", "type": "Running"},
			{"uri": "/fitnessActivities/2", "start_time": "Thu, 10 Dec 2015 17:30:00", "type": "Cycling"},
			{"uri": "/fitnessActivities/1", "start_time": "Sun, 1 Mar 2015 07:00:00", "type": "Running"}
		]
	}`)
	f.rk.Handle("/fitnessActivities/1", `{
		"uri": "/fitnessActivities/1",
		"type": "Running",
		"start_time": "Sun, 1 Mar 2015 07:00:00",
		"total_distance": 5012.50,
		"duration": 1800,
		"notes": "private",
		"path": [
			{"latitude": 46.05, "longitude": 14.5, "altitude": 295, "timestamp": 0, "type": "start", "accuracy": 5},
			{"latitude": 46.06, "longitude": 14.51, "altitude": 300, "timestamp": 60.5, "type": "end"}
		]
	}`)
	f.rk.Handle("/fitnessActivities/2", `{
		"uri": "/fitnessActivities/2",
		"type": "Cycling",
		"start_time": "Thu, 10 Dec 2015 17:30:00",
		"total_distance": 20000
	}`)
	f.rk.Handle("/fitnessActivities/3", `{
		"uri": "/fitnessActivities/3",
		"type": "Running",
		"start_time": "Sat, 4 Jun 2016 08:00:00",
		"total_distance": 3000,
		"path": []
	}`)

	f.rk.Handle("/backgroundActivities?pageSize=10000", `{
		"size": 2,
		"items": [
			{"timestamp": "Wed, 22 Jun 2016 00:00:00", "steps": 9000, "uri": "/backgroundActivities/2"},
			{"timestamp": "Tue, 21 Jun 2016 00:00:00", "steps": 12000, "calories_burned": 400, "uri": "/backgroundActivities/1"}
		]
	}`)
}

type yearFile struct {
	BackgroundActivities []map[string]interface{} `json:"background_activities"`
	FitnessActivities    []map[string]interface{} `json:"fitness_activities"`
}

func decodeFile(t *testing.T, f ohtest.File) yearFile {
	var out yearFile
	require.NoError(t, json.Unmarshal(f.Body, &out))
	return out
}

func TestSynchronize(t *testing.T) {
	f := newFixture(t)
	f.seed()

	require.NoError(t, f.sync.Synchronize(context.Background(), ohID))

	files := f.oh.Files(ohID)
	require.Len(t, files, 2)
	assert.Equal(t, "Runkeeper-activity-data-2015.json", files[0].Basename)
	assert.Equal(t, "Runkeeper-activity-data-2016.json", files[1].Basename)

	assert.Equal(t, true, files[0].Metadata["complete"])
	assert.EqualValues(t, 2015, files[0].Metadata["dataYear"])
	assert.Equal(t, false, files[1].Metadata["complete"])
	assert.EqualValues(t, 2016, files[1].Metadata["dataYear"])
	assert.Equal(t, []interface{}{"GPS", "Runkeeper"}, files[1].Metadata["tags"])

	assert.Equal(t, []string{
		"delete Runkeeper-activity-data-2015.json",
		"upload Runkeeper-activity-data-2015.json",
		"delete Runkeeper-activity-data-2016.json",
		"upload Runkeeper-activity-data-2016.json",
	}, f.oh.Calls())

	assert.Equal(t, frozen, f.accounts.updated)
	assert.Equal(t, "12345", f.accounts.runkeeperID)
}

func TestSynchronizeContent(t *testing.T) {
	f := newFixture(t)
	f.seed()

	require.NoError(t, f.sync.Synchronize(context.Background(), ohID))
	files := f.oh.Files(ohID)
	require.Len(t, files, 2)

	y2015 := decodeFile(t, files[0])
	assert.Empty(t, y2015.BackgroundActivities)
	require.Len(t, y2015.FitnessActivities, 2)

	first := y2015.FitnessActivities[0]
	assert.Equal(t, "Sun, 1 Mar 2015 07:00:00", first["start_time"])
	assert.Equal(t, "", first["equipment"])
	assert.NotContains(t, first, "notes")
	assert.NotContains(t, first, "uri")
	path := first["path"].([]interface{})
	require.Len(t, path, 2)
	assert.Len(t, path[0], len(activity.FitnessPathKeys))
	assert.NotContains(t, path[0], "accuracy")

	second := y2015.FitnessActivities[1]
	assert.Equal(t, "Thu, 10 Dec 2015 17:30:00", second["start_time"])
	assert.Equal(t, []interface{}{}, second["path"])

	y2016 := decodeFile(t, files[1])
	require.Len(t, y2016.FitnessActivities, 1)
	require.Len(t, y2016.BackgroundActivities, 2)
	assert.Equal(t, "Tue, 21 Jun 2016 00:00:00", y2016.BackgroundActivities[0]["timestamp"])
	assert.Equal(t, "Wed, 22 Jun 2016 00:00:00", y2016.BackgroundActivities[1]["timestamp"])
	assert.Equal(t, "", y2016.BackgroundActivities[1]["calories_burned"])
	assert.Equal(t, "", y2016.BackgroundActivities[1]["source"])
	assert.NotContains(t, y2016.BackgroundActivities[0], "uri")

	assert.Contains(t, string(files[0].Body), `"total_distance": 5012.50`)
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed()
	ctx := context.Background()

	require.NoError(t, f.sync.Synchronize(ctx, ohID))
	before := f.oh.Files(ohID)

	require.NoError(t, f.sync.Synchronize(ctx, ohID))
	after := f.oh.Files(ohID)

	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].Basename, after[i].Basename)
		assert.Equal(t, string(before[i].Body), string(after[i].Body))
	}
}

func TestSynchronizeReplacesOldFile(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.oh.Put(ohID, "Runkeeper-activity-data-2015.json", []byte("stale"), "Runkeeper")

	require.NoError(t, f.sync.Synchronize(context.Background(), ohID))

	files := f.oh.Files(ohID)
	require.Len(t, files, 2)
	assert.NotEqual(t, "stale", string(files[0].Body))
}

func TestSynchronizeFailureKeepsLastUpdated(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.rk.Fail("/fitnessActivities/3", 10)

	err := f.sync.Synchronize(context.Background(), ohID)
	require.Error(t, err)
	assert.True(t, failure.Retryable(err))

	assert.True(t, f.accounts.updated.IsZero())

	// Years before the failing one were already replaced.
	files := f.oh.Files(ohID)
	require.Len(t, files, 1)
	assert.Equal(t, "Runkeeper-activity-data-2015.json", files[0].Basename)
}

func TestSynchronizeIntegrityFailure(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.rk.Handle("/backgroundActivities?pageSize=10000", `{"size": 5, "items": []}`)

	err := f.sync.Synchronize(context.Background(), ohID)

	var integrity *failure.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Empty(t, f.oh.Calls())
	assert.True(t, f.accounts.updated.IsZero())
}

func TestSynchronizeNoActivities(t *testing.T) {
	f := newFixture(t)
	f.rk.Handle("/user", `{"userID": 1, "fitness_activities": "/fitnessActivities", "background_activities": "/backgroundActivities"}`)
	f.rk.Handle("/fitnessActivities?pageSize=10000", `{"size": 0, "items": []}`)
	f.rk.Handle("/backgroundActivities?pageSize=10000", `{"size": 0, "items": []}`)

	require.NoError(t, f.sync.Synchronize(context.Background(), ohID))

	assert.Empty(t, f.oh.Calls())
	assert.Equal(t, frozen, f.accounts.updated)
}

func TestSynchronizeUnknownMember(t *testing.T) {
	f := newFixture(t)

	err := f.sync.Synchronize(context.Background(), "nobody")

	var auth *failure.AuthError
	assert.ErrorAs(t, err, &auth)
	assert.Empty(t, f.rk.AllHits())
}

func TestFiles(t *testing.T) {
	f := newFixture(t)
	f.oh.Put(ohID, "Runkeeper-activity-data-2015.json", []byte("{}"), "GPS", "Runkeeper")
	f.oh.Put(ohID, "moves.json", []byte("{}"), "Moves")

	files, err := f.sync.Files(context.Background(), ohID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files, "Runkeeper-activity-data-2015.json")
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	f.oh.Put(ohID, "Runkeeper-activity-data-2015.json", []byte("{}"), "Runkeeper")
	f.oh.Put(ohID, "Runkeeper-activity-data-2016.json", []byte("{}"), "Runkeeper")
	f.oh.Put(ohID, "moves.json", []byte("{}"), "Moves")

	require.NoError(t, f.sync.Disconnect(context.Background(), ohID))

	files := f.oh.Files(ohID)
	require.Len(t, files, 1)
	assert.Equal(t, "moves.json", files[0].Basename)
	assert.True(t, f.accounts.disconnected)
	assert.Equal(t, 1, f.accounts.lookups)
}

func TestDisconnectUnknownMember(t *testing.T) {
	f := newFixture(t)
	f.oh.Put(ohID, "Runkeeper-activity-data-2015.json", []byte("{}"), "Runkeeper")

	err := f.sync.Disconnect(context.Background(), "someone else")

	var auth *failure.AuthError
	require.True(t, errors.As(err, &auth))
	assert.Len(t, f.oh.Files(ohID), 1)
	assert.False(t, f.accounts.disconnected)
}

func TestSynchronizeTwoYears(t *testing.T) {
	f := newFixture(t)
	f.rk.Handle("/user", `{"userID": 7, "fitness_activities": "/fitnessActivities", "background_activities": "/backgroundActivities"}`)
	f.rk.Handle("/fitnessActivities?pageSize=10000", `{"size": 2, "items": [
		{"uri": "/fitnessActivities/2", "start_time": "Thu, 10 Dec 2015 17:30:00"},
		{"uri": "/fitnessActivities/1", "start_time": "Sun, 1 Mar 2015 07:00:00"}
	]}`)
	f.rk.Handle("/fitnessActivities/1", `{"start_time": "Sun, 1 Mar 2015 07:00:00"}`)
	f.rk.Handle("/fitnessActivities/2", `{"start_time": "Thu, 10 Dec 2015 17:30:00"}`)
	f.rk.Handle("/backgroundActivities?pageSize=10000", `{"size": 3, "items": [
		{"timestamp": "Sun, 3 Jan 2016 00:00:00"},
		{"timestamp": "Fri, 1 Jan 2016 00:00:00"},
		{"timestamp": "Sat, 2 Jan 2016 00:00:00"}
	]}`)

	require.NoError(t, f.sync.Synchronize(context.Background(), ohID))

	files := f.oh.Files(ohID)
	require.Len(t, files, 2)
	assert.Equal(t, "Runkeeper-activity-data-2015.json", files[0].Basename)
	assert.Equal(t, true, files[0].Metadata["complete"])
	assert.Equal(t, "Runkeeper-activity-data-2016.json", files[1].Basename)
	assert.Equal(t, false, files[1].Metadata["complete"])

	y2016 := decodeFile(t, files[1])
	assert.Empty(t, y2016.FitnessActivities)
	var days []interface{}
	for _, b := range y2016.BackgroundActivities {
		days = append(days, b["timestamp"])
	}
	assert.Equal(t, []interface{}{
		"Fri, 1 Jan 2016 00:00:00",
		"Sat, 2 Jan 2016 00:00:00",
		"Sun, 3 Jan 2016 00:00:00",
	}, days)

	assert.Equal(t, frozen, f.accounts.updated)
}
