package failure

import (
	"context"
	"net/http"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantNil   bool
		wantAuth  bool
		retryable bool
	}{
		{status: http.StatusOK, wantNil: true},
		{status: http.StatusNoContent, wantNil: true},
		{status: http.StatusUnauthorized, wantAuth: true},
		{status: http.StatusForbidden, wantAuth: true},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusBadGateway, retryable: true},
		{status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromStatus("get /user", &http.Response{StatusCode: tt.status, Status: http.StatusText(tt.status)})
			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)

			var auth *AuthError
			assert.Equal(t, tt.wantAuth, errors.As(err, &auth))
			assert.Equal(t, tt.retryable, Retryable(err))
		})
	}
}

func TestRetryableThroughWrap(t *testing.T) {
	err := errors.Wrap(&TransientError{Op: "get", Cause: errors.New("reset")}, "could not fetch page")
	assert.True(t, Retryable(err))
	assert.False(t, Retryable(errors.Wrap(&IntegrityError{Path: "/x", Got: 1, Want: 2}, "fetch")))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &backoff.ZeroBackOff{}, func() error {
		calls++
		return &IntegrityError{Path: "/fitnessActivities", Got: 3, Want: 4}
	})

	var integrity *IntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2), func() error {
		calls++
		return &TransientError{Op: "get", Cause: errors.New("503")}
	})

	assert.True(t, Retryable(err))
	assert.Equal(t, 3, calls)
}

func TestRetryRecovers(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3), func() error {
		calls++
		if calls < 2 {
			return &TransientError{Op: "get", Cause: errors.New("timeout")}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
