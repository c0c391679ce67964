// Package runkeeper is a client for the Runkeeper Health Graph API.
package runkeeper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/activity"
	"github.com/matematik7/runkeeper-oh/config"
	"github.com/matematik7/runkeeper-oh/failure"
)

const userPath = "/user"

type Client struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	log        *logrus.Logger

	// BackOff returns the retry schedule for a single call.
	BackOff func() backoff.BackOff
}

func New(cfg config.Runkeeper, log *logrus.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		log:        log,
		BackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// WithPageSize appends the pageSize hint to a listing path.
func WithPageSize(path string, size int) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spageSize=%d", path, sep, size)
}

func (c *Client) url(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", errors.Wrapf(err, "could not parse path %q", path)
	}
	if u.IsAbs() {
		return path, nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path, nil
}

func (c *Client) request(ctx context.Context, method, path, token string) (*http.Request, error) {
	u, err := c.url(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not prepare request")
	}
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %v", token))
	req.Header.Add("Accept", "application/json")
	return req, nil
}

// call GETs path and decodes the body into response, retrying transient
// failures.
func (c *Client) call(ctx context.Context, token, path string, response interface{}) error {
	attempt := 0
	b := backoff.WithMaxRetries(c.BackOff(), uint64(c.maxRetries))

	return failure.Retry(ctx, b, func() error {
		attempt++
		err := c.get(ctx, token, path, response)
		if err != nil && failure.Retryable(err) {
			c.log.WithFields(logrus.Fields{
				"path":    path,
				"attempt": attempt,
			}).WithError(err).Warn("runkeeper request failed")
		}
		return err
	})
}

func (c *Client) get(ctx context.Context, token, path string, response interface{}) error {
	req, err := c.request(ctx, http.MethodGet, path, token)
	if err != nil {
		return err
	}

	op := "runkeeper get " + path
	resp, err := c.client.Do(req)
	if err != nil {
		return failure.FromTransport(ctx, op, err)
	}
	defer resp.Body.Close()

	if err := failure.FromStatus(op, resp); err != nil {
		return err
	}

	if err := activity.JSON.NewDecoder(resp.Body).Decode(response); err != nil {
		return &failure.TransientError{Op: op, Cause: errors.Wrap(err, "could not decode response")}
	}
	return nil
}

// User returns the profile with the listing paths of the token's owner.
func (c *Client) User(ctx context.Context, token string) (Profile, error) {
	var profile Profile
	if err := c.call(ctx, token, userPath, &profile); err != nil {
		return profile, errors.Wrap(err, "could not get user")
	}
	return profile, nil
}

// FitnessActivity returns the full detail of one fitness activity, path
// points included.
func (c *Client) FitnessActivity(ctx context.Context, token, uri string) (activity.Record, error) {
	var detail activity.Record
	if err := c.call(ctx, token, uri, &detail); err != nil {
		return nil, errors.Wrapf(err, "could not get fitness activity %s", uri)
	}
	return detail, nil
}
