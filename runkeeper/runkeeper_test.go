package runkeeper

import (
	"context"
	"fmt"
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
	"github.com/matematik7/runkeeper-oh/runkeeper/rktest"
)

func newFakeAPI(t *testing.T) (*rktest.Server, *Client) {
	api := rktest.NewServer(t, "token")

	log := logrus.New()
	log.SetOutput(io.Discard)

	c := New(config.Runkeeper{BaseURL: api.URL, Timeout: 5 * time.Second, MaxRetries: 2}, log)
	c.BackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return api, c
}

func item(id int) string {
	return fmt.Sprintf(`{"id": %d, "start_time": "Tue, %d Mar 2011 07:00:00"}`, id, id)
}

func ids(items []activity.Record) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprint(it["id"]))
	}
	return out
}

func TestItemsForwardChain(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/fitnessActivities?pageSize=2", fmt.Sprintf(`{"size": 5, "items": [%s, %s], "next": "/fitnessActivities?page=1&pageSize=2"}`, item(1), item(2)))
	api.Handle("/fitnessActivities?page=1&pageSize=2", fmt.Sprintf(`{"size": 5, "items": [%s, %s], "previous": "/fitnessActivities?pageSize=2", "next": "/fitnessActivities?page=2&pageSize=2"}`, item(3), item(4)))
	api.Handle("/fitnessActivities?page=2&pageSize=2", fmt.Sprintf(`{"size": 5, "items": [%s], "previous": "/fitnessActivities?page=1&pageSize=2"}`, item(5)))

	items, err := c.Items(context.Background(), "token", WithPageSize("/fitnessActivities", 2))
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(items))

	// Each page is requested exactly once.
	for path, n := range api.AllHits() {
		assert.Equal(t, 1, n, path)
	}
}

func TestItemsStartInMiddle(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/p0", fmt.Sprintf(`{"size": 4, "items": [%s], "next": "/p1"}`, item(1)))
	api.Handle("/p1", fmt.Sprintf(`{"size": 4, "items": [%s, %s], "previous": "/p0", "next": "/p2"}`, item(2), item(3)))
	api.Handle("/p2", fmt.Sprintf(`{"size": 4, "items": [%s], "previous": "/p1"}`, item(4)))

	items, err := c.Items(context.Background(), "token", "/p1")
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(items))
	assert.Equal(t, 1, api.Hits("/p0"))
	assert.Equal(t, 1, api.Hits("/p1"))
	assert.Equal(t, 1, api.Hits("/p2"))
}

func TestItemsStartAtLastPage(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/p0", fmt.Sprintf(`{"size": 5, "items": [%s, %s], "next": "/p1"}`, item(1), item(2)))
	api.Handle("/p1", fmt.Sprintf(`{"size": 5, "items": [%s], "previous": "/p0", "next": "/p2"}`, item(3)))
	api.Handle("/p2", fmt.Sprintf(`{"size": 5, "items": [%s, %s], "previous": "/p1"}`, item(4), item(5)))

	items, err := c.Items(context.Background(), "token", "/p2")
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(items))
	assert.Equal(t, 1, api.Hits("/p0"))
	assert.Equal(t, 1, api.Hits("/p1"))
	assert.Equal(t, 1, api.Hits("/p2"))
}

func TestItemsEmpty(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/backgroundActivities", `{"size": 0, "items": []}`)

	items, err := c.Items(context.Background(), "token", "/backgroundActivities")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestItemsSizeMismatch(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/p0", fmt.Sprintf(`{"size": 3, "items": [%s], "next": "/p1"}`, item(1)))
	api.Handle("/p1", fmt.Sprintf(`{"size": 3, "items": [%s], "previous": "/p0"}`, item(2)))

	_, err := c.Items(context.Background(), "token", "/p0")

	var integrity *failure.IntegrityError
	require.True(t, errors.As(err, &integrity), "got %v", err)
	assert.Equal(t, 2, integrity.Got)
	assert.Equal(t, 3, integrity.Want)
	assert.Equal(t, 1, api.Hits("/p0"), "integrity errors are not retried")
}

func TestCallRetriesTransient(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/user", `{"userID": 12345678, "fitness_activities": "/fitnessActivities", "background_activities": "/backgroundActivities"}`)
	api.Fail("/user", 2)

	profile, err := c.User(context.Background(), "token")
	require.NoError(t, err)

	assert.Equal(t, int64(12345678), profile.UserID)
	assert.Equal(t, "/fitnessActivities", profile.FitnessActivities)
	assert.Equal(t, "/backgroundActivities", profile.BackgroundActivities)
	assert.Equal(t, 3, api.Hits("/user"))
}

func TestCallExhaustsRetries(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/user", `{}`)
	api.Fail("/user", 10)

	_, err := c.User(context.Background(), "token")

	assert.True(t, failure.Retryable(err))
	assert.Equal(t, 3, api.Hits("/user"))
}

func TestCallUnauthorized(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/user", `{}`)

	_, err := c.User(context.Background(), "expired")

	var auth *failure.AuthError
	assert.True(t, errors.As(err, &auth))
	assert.Equal(t, 1, api.Hits("/user"))
}

func TestFitnessActivity(t *testing.T) {
	api, c := newFakeAPI(t)
	api.Handle("/fitnessActivities/42", `{"type": "Running", "path": [{"latitude": 46.05, "longitude": 14.5}]}`)

	detail, err := c.FitnessActivity(context.Background(), "token", "/fitnessActivities/42")
	require.NoError(t, err)

	assert.Equal(t, "Running", detail["type"])
	assert.Len(t, detail["path"], 1)
}

func TestWithPageSize(t *testing.T) {
	assert.Equal(t, "/fitnessActivities?pageSize=10000", WithPageSize("/fitnessActivities", 10000))
	assert.Equal(t, "/fitnessActivities?noEarlierThan=2011-01-01&pageSize=5", WithPageSize("/fitnessActivities?noEarlierThan=2011-01-01", 5))
}
