// Package openhumans talks to the Open Humans direct-sharing project API.
package openhumans

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/activity"
	"github.com/matematik7/runkeeper-oh/config"
	"github.com/matematik7/runkeeper-oh/failure"
)

const (
	TOKEN_URL           = "oauth2/token/"
	EXCHANGE_MEMBER_URL = "api/direct-sharing/project/exchange-member/"
	DELETE_URL          = "api/direct-sharing/project/files/delete/"
	UPLOAD_DIRECT_URL   = "api/direct-sharing/project/files/upload/direct/"
	UPLOAD_COMPLETE_URL = "api/direct-sharing/project/files/upload/complete/"
)

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	maxRetries   int
	client       *http.Client
	log          *logrus.Logger

	BackOff func() backoff.BackOff
}

func New(cfg config.OpenHumans, log *logrus.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/") + "/",
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		maxRetries:   cfg.MaxRetries,
		client:       &http.Client{Timeout: cfg.Timeout},
		log:          log,
		BackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Add("grant_type", "refresh_token")
	form.Add("refresh_token", refreshToken)

	response := &TokenResponse{}
	err := c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+TOKEN_URL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.clientID, c.clientSecret)
		return c.do(ctx, req, response)
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not refresh token")
	}
	if response.AccessToken == "" {
		return nil, &failure.AuthError{Reason: "token refresh returned no access token"}
	}

	return &Token{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(response.ExpiresIn) * time.Second),
	}, nil
}

// ExchangeMember returns the project member the token belongs to, with the
// files the project has stored for it.
func (c *Client) ExchangeMember(ctx context.Context, token string) (*MemberResponse, error) {
	response := &MemberResponse{}
	err := c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(EXCHANGE_MEMBER_URL, token), nil)
		if err != nil {
			return err
		}
		return c.do(ctx, req, response)
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not exchange member")
	}
	return response, nil
}

// Files lists the member's stored files.
func (c *Client) Files(ctx context.Context, token, memberID string) ([]activity.StoredFile, error) {
	member, err := c.ExchangeMember(ctx, token)
	if err != nil {
		return nil, err
	}

	files := make([]activity.StoredFile, 0, len(member.Data))
	for _, f := range member.Data {
		files = append(files, activity.StoredFile{
			Basename:    f.Basename,
			DownloadURL: f.DownloadURL,
			Tags:        f.Metadata.Tags,
		})
	}
	return files, nil
}

// DeleteFile removes the member's files named basename. Deleting a file that
// does not exist is not an error.
func (c *Client) DeleteFile(ctx context.Context, token, memberID, basename string) error {
	form := url.Values{}
	form.Add("project_member_id", memberID)
	form.Add("file_basename", basename)

	err := c.retry(ctx, func() error {
		return c.postForm(ctx, c.endpoint(DELETE_URL, token), form, nil)
	})
	return errors.Wrapf(err, "could not delete file %s", basename)
}

// Upload stores body as filename for the member. The file is sent straight
// to the storage URL Open Humans hands out and then marked complete.
func (c *Client) Upload(ctx context.Context, token, memberID, filename string, body []byte, metadata activity.Metadata) error {
	meta, err := activity.JSON.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "could not encode metadata")
	}

	form := url.Values{}
	form.Add("project_member_id", memberID)
	form.Add("filename", filename)
	form.Add("metadata", string(meta))

	direct := &DirectUploadResponse{}
	err = c.retry(ctx, func() error {
		return c.postForm(ctx, c.endpoint(UPLOAD_DIRECT_URL, token), form, direct)
	})
	if err != nil {
		return errors.Wrapf(err, "could not start upload of %s", filename)
	}

	err = c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodPut, direct.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		return c.do(ctx, req, nil)
	})
	if err != nil {
		return errors.Wrapf(err, "could not upload %s", filename)
	}

	complete := url.Values{}
	complete.Add("project_member_id", memberID)
	complete.Add("file_id", direct.ID.String())

	err = c.retry(ctx, func() error {
		return c.postForm(ctx, c.endpoint(UPLOAD_COMPLETE_URL, token), complete, nil)
	})
	return errors.Wrapf(err, "could not complete upload of %s", filename)
}

func (c *Client) endpoint(path, token string) string {
	return c.baseURL + path + "?" + url.Values{"access_token": {token}}.Encode()
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	return failure.Retry(ctx, backoff.WithMaxRetries(c.BackOff(), uint64(c.maxRetries)), op)
}

func (c *Client) newRequest(ctx context.Context, method, fullURL string, body io.Reader) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, errors.Wrap(err, "could not prepare request")
	}
	return r, nil
}

func (c *Client) postForm(ctx context.Context, fullURL string, form url.Values, output interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPost, fullURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, req, output)
}

func (c *Client) do(ctx context.Context, r *http.Request, output interface{}) error {
	op := "openhumans " + strings.ToLower(r.Method) + " " + r.URL.Path

	response, err := c.client.Do(r)
	if err != nil {
		return failure.FromTransport(ctx, op, err)
	}
	defer response.Body.Close()

	if err := failure.FromStatus(op, response); err != nil {
		c.log.WithField("op", op).WithError(err).Debug("open humans request failed")
		return err
	}

	if output != nil {
		if err := activity.JSON.NewDecoder(response.Body).Decode(output); err != nil {
			return errors.Wrap(err, "could not decode response")
		}
	}
	return nil
}
