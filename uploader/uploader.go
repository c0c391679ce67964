// Package uploader copies a member's Runkeeper history into per-year files
// at the destination store.
//
// A run fetches both activity listings, splits them by calendar year and,
// for every year, replaces the destination file of that year with a freshly
// generated one. The member's last_updated bookkeeping is written only after
// every year went through, so a failed run leaves no trace besides the files
// it already replaced; re-running produces the same files again.
package uploader

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matematik7/runkeeper-oh/activity"
	"github.com/matematik7/runkeeper-oh/config"
	"github.com/matematik7/runkeeper-oh/members"
	"github.com/matematik7/runkeeper-oh/runkeeper"
)

type Accounts interface {
	Credentials(ctx context.Context, ohID string) (members.Credentials, error)
	SetRunkeeperID(ctx context.Context, ohID, runkeeperID string) error
	MarkUpdated(ctx context.Context, ohID string, at time.Time) error
	Disconnect(ctx context.Context, ohID string) error
}

type Source interface {
	User(ctx context.Context, token string) (runkeeper.Profile, error)
	Items(ctx context.Context, token, path string) ([]activity.Record, error)
	FitnessActivity(ctx context.Context, token, uri string) (activity.Record, error)
}

// Destination stores member files. openhumans.Client and s3store.Store
// implement it.
type Destination interface {
	DeleteFile(ctx context.Context, token, memberID, basename string) error
	Upload(ctx context.Context, token, memberID, filename string, body []byte, metadata activity.Metadata) error
	Files(ctx context.Context, token, memberID string) ([]activity.StoredFile, error)
}

type Synchronizer struct {
	accounts      Accounts
	source        Source
	destination   Destination
	pageSize      int
	detailWorkers int
	log           *logrus.Logger

	Now func() time.Time
}

func New(cfg config.Config, accounts Accounts, source Source, destination Destination, log *logrus.Logger) *Synchronizer {
	return &Synchronizer{
		accounts:      accounts,
		source:        source,
		destination:   destination,
		pageSize:      cfg.Runkeeper.PageSize,
		detailWorkers: max(cfg.Uploader.DetailWorkers, 1),
		log:           log,
		Now:           time.Now,
	}
}

// listing is one activity stream split by year.
type listing struct {
	buckets  activity.Buckets
	complete activity.YearSet
}

func (s *Synchronizer) fetch(ctx context.Context, token, path string) (listing, error) {
	items, err := s.source.Items(ctx, token, runkeeper.WithPageSize(path, s.pageSize))
	if err != nil {
		return listing{}, err
	}

	buckets, complete, err := activity.Partition(items, s.Now())
	if err != nil {
		return listing{}, errors.Wrapf(err, "could not partition %s", path)
	}
	return listing{buckets: buckets, complete: complete}, nil
}

// Synchronize replaces every year file of the member with data fetched from
// Runkeeper now.
func (s *Synchronizer) Synchronize(ctx context.Context, ohID string) (err error) {
	started := time.Now()
	log := s.log.WithFields(logrus.Fields{
		"oh_id":  ohID,
		"run_id": uuid.Must(uuid.NewV4()).String(),
	})
	defer func() {
		observeRun(started, err)
		if err != nil {
			log.WithError(err).Error("runkeeper synchronization failed")
		}
	}()

	creds, err := s.accounts.Credentials(ctx, ohID)
	if err != nil {
		return errors.Wrap(err, "could not get credentials")
	}
	token := creds.RunkeeperToken

	profile, err := s.source.User(ctx, token)
	if err != nil {
		return err
	}
	runkeeperID := strconv.FormatInt(profile.UserID, 10)
	if runkeeperID != creds.RunkeeperID {
		if err := s.accounts.SetRunkeeperID(ctx, ohID, runkeeperID); err != nil {
			return err
		}
	}
	log = log.WithField("runkeeper_id", runkeeperID)
	log.Info("start processing data")

	fitness, err := s.fetch(ctx, token, profile.FitnessActivities)
	if err != nil {
		return errors.Wrap(err, "could not fetch fitness activities")
	}
	background, err := s.fetch(ctx, token, profile.BackgroundActivities)
	if err != nil {
		return errors.Wrap(err, "could not fetch background activities")
	}

	years := activity.YearSet{}
	for year := range fitness.buckets {
		years[year] = true
	}
	for year := range background.buckets {
		years[year] = true
	}

	for _, year := range years.Years() {
		complete := fitness.complete[year] || background.complete[year]

		f, err := s.yearFile(ctx, token, fitness.buckets[year], background.buckets[year])
		if err != nil {
			return errors.Wrapf(err, "could not build %d", year)
		}
		body, err := f.Encode()
		if err != nil {
			return err
		}

		if err := s.replace(ctx, creds, year, body, complete); err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"year":       year,
			"complete":   complete,
			"fitness":    len(f.FitnessActivities),
			"background": len(f.BackgroundActivities),
		}).Info("uploaded year")
	}

	if err := s.accounts.MarkUpdated(ctx, ohID, s.Now()); err != nil {
		return errors.Wrap(err, "could not mark member updated")
	}

	log.WithField("years", len(years)).Info("finished processing data")
	return nil
}

func (s *Synchronizer) yearFile(ctx context.Context, token string, fitness, background []activity.Record) (*activity.YearFile, error) {
	f := activity.NewYearFile()

	if err := activity.SortByTime(fitness); err != nil {
		return nil, err
	}
	details, err := s.details(ctx, token, fitness)
	if err != nil {
		return nil, err
	}
	f.FitnessActivities = append(f.FitnessActivities, details...)

	if err := activity.SortByTime(background); err != nil {
		return nil, err
	}
	for _, item := range background {
		f.BackgroundActivities = append(f.BackgroundActivities, activity.Background(item))
	}

	return f, nil
}

// details fetches the full record of every fitness summary, keeping the
// order of items.
func (s *Synchronizer) details(ctx context.Context, token string, items []activity.Record) ([]activity.Record, error) {
	uris := make([]string, len(items))
	for i, item := range items {
		uri, ok := item["uri"].(string)
		if !ok || uri == "" {
			return nil, errors.Errorf("fitness activity %v has no uri", item["start_time"])
		}
		uris[i] = uri
	}

	out := make([]activity.Record, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.detailWorkers)
	for i, uri := range uris {
		i, uri := i, uri
		g.Go(func() error {
			detail, err := s.source.FitnessActivity(ctx, token, uri)
			if err != nil {
				return err
			}
			out[i], err = activity.Fitness(detail)
			return errors.Wrapf(err, "could not project %s", uri)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// replace swaps the destination file for year. The destination cannot
// overwrite by name, so the old file is deleted first.
func (s *Synchronizer) replace(ctx context.Context, creds members.Credentials, year int, body []byte, complete bool) error {
	filename := activity.Filename(year)

	if err := s.destination.DeleteFile(ctx, creds.OHAccessToken, creds.OHID, filename); err != nil {
		return err
	}
	if err := s.destination.Upload(ctx, creds.OHAccessToken, creds.OHID, filename, body, activity.NewMetadata(year, complete)); err != nil {
		return err
	}

	filesUploaded.Inc()
	return nil
}

// Files returns the member's Runkeeper files at the destination, basename to
// download URL.
func (s *Synchronizer) Files(ctx context.Context, ohID string) (map[string]string, error) {
	creds, err := s.accounts.Credentials(ctx, ohID)
	if err != nil {
		return nil, errors.Wrap(err, "could not get credentials")
	}
	return s.files(ctx, creds)
}

func (s *Synchronizer) files(ctx context.Context, creds members.Credentials) (map[string]string, error) {
	stored, err := s.destination.Files(ctx, creds.OHAccessToken, creds.OHID)
	if err != nil {
		return nil, err
	}

	files := map[string]string{}
	for _, f := range stored {
		if f.HasTag(activity.Source) {
			files[f.Basename] = f.DownloadURL
		}
	}
	return files, nil
}

// Disconnect deletes the member's Runkeeper files and forgets the link.
func (s *Synchronizer) Disconnect(ctx context.Context, ohID string) error {
	creds, err := s.accounts.Credentials(ctx, ohID)
	if err != nil {
		return errors.Wrap(err, "could not get credentials")
	}

	files, err := s.files(ctx, creds)
	if err != nil {
		return err
	}
	for basename := range files {
		if err := s.destination.DeleteFile(ctx, creds.OHAccessToken, creds.OHID, basename); err != nil {
			return err
		}
	}

	if err := s.accounts.Disconnect(ctx, ohID); err != nil {
		return errors.Wrap(err, "could not disconnect member")
	}
	s.log.WithField("oh_id", ohID).Info("runkeeper account removed")
	return nil
}
