// Package s3store keeps member files in an S3 bucket, one prefix per
// member. It mirrors the Open Humans file semantics: delete by basename,
// upload with metadata, list with download links.
package s3store

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/activity"
	"github.com/matematik7/runkeeper-oh/config"
)

const presignExpiry = time.Hour

type Store struct {
	bucket string
	prefix string
	s3     s3iface.S3API
	log    *logrus.Logger

	// Presign returns a download URL for key.
	Presign func(key string) (string, error)
}

func New(cfg config.S3, log *logrus.Logger) (*Store, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "could not create aws session")
	}

	return NewWithClient(s3.New(sess), cfg.Bucket, cfg.Prefix, log), nil
}

func NewWithClient(client s3iface.S3API, bucket, prefix string, log *logrus.Logger) *Store {
	s := &Store{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		s3:     client,
		log:    log,
	}
	s.Presign = s.presign
	return s
}

func (s *Store) key(memberID, basename string) string {
	return path.Join(s.prefix, memberID, basename)
}

func (s *Store) presign(key string) (string, error) {
	req, _ := s.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(presignExpiry)
	if err != nil {
		return "", errors.Wrapf(err, "could not presign %s", key)
	}
	return url, nil
}

// DeleteFile removes the member's object named basename. The token is not
// used, access is governed by the AWS credentials of the process.
func (s *Store) DeleteFile(ctx context.Context, token, memberID, basename string) error {
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(memberID, basename)),
	})
	if err != nil {
		return errors.Wrapf(err, "could not delete %s", basename)
	}
	return nil
}

func (s *Store) Upload(ctx context.Context, token, memberID, filename string, body []byte, metadata activity.Metadata) error {
	key := s.key(memberID, filename)
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]*string{
			"Description": aws.String(metadata.Description),
			"Tags":        aws.String(strings.Join(metadata.Tags, ",")),
			"Datayear":    aws.String(strconv.Itoa(metadata.DataYear)),
			"Complete":    aws.String(strconv.FormatBool(metadata.Complete)),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "could not upload %s", filename)
	}

	s.log.WithFields(logrus.Fields{
		"bucket": s.bucket,
		"key":    key,
		"bytes":  len(body),
	}).Debug("uploaded object")
	return nil
}

func (s *Store) Files(ctx context.Context, token, memberID string) ([]activity.StoredFile, error) {
	prefix := s.key(memberID, "") + "/"

	var keys []string
	err := s.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not list objects")
	}

	files := make([]activity.StoredFile, 0, len(keys))
	for _, key := range keys {
		head, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "could not get object %s", key)
		}

		url, err := s.Presign(key)
		if err != nil {
			return nil, err
		}

		var tags []string
		if raw := aws.StringValue(head.Metadata["Tags"]); raw != "" {
			tags = strings.Split(raw, ",")
		}

		files = append(files, activity.StoredFile{
			Basename:    path.Base(key),
			DownloadURL: url,
			Tags:        tags,
		})
	}
	return files, nil
}
