package tasks

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/runkeeper"
)

type Accounts interface {
	Exists(ctx context.Context, ohID string) (bool, error)
	Import(ctx context.Context, ohID, ohRefreshToken, runkeeperID, runkeeperToken string) error
}

type Profiles interface {
	User(ctx context.Context, token string) (runkeeper.Profile, error)
}

// Importer links members exported from a legacy deployment. Every line holds
// oh_id, oh_refresh_token and runkeeper_access_token.
type Importer struct {
	accounts Accounts
	profiles Profiles
	queue    Enqueuer
	log      *logrus.Logger
}

func NewImporter(accounts Accounts, profiles Profiles, queue Enqueuer, log *logrus.Logger) *Importer {
	return &Importer{
		accounts: accounts,
		profiles: profiles,
		queue:    queue,
		log:      log,
	}
}

// Import reads members from r and returns how many were imported. Members
// that already exist are skipped.
func (i *Importer) Import(ctx context.Context, r io.Reader, delimiter rune) (int, error) {
	reader := csv.NewReader(r)
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	imported := 0
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, errors.Wrapf(err, "could not read line %d", line)
		}
		if len(record) < 3 {
			return imported, errors.Errorf("line %d: expected 3 fields, got %d", line, len(record))
		}

		ohID := strings.TrimSpace(record[0])
		ok, err := i.importMember(ctx, ohID, strings.TrimSpace(record[1]), strings.TrimSpace(record[2]))
		if err != nil {
			return imported, errors.Wrapf(err, "could not import line %d", line)
		}
		if ok {
			imported++
		}
	}
	return imported, nil
}

func (i *Importer) importMember(ctx context.Context, ohID, ohRefreshToken, runkeeperToken string) (bool, error) {
	log := i.log.WithField("oh_id", ohID)

	exists, err := i.accounts.Exists(ctx, ohID)
	if err != nil {
		return false, err
	}
	if exists {
		log.Info("member exists, skipping")
		return false, nil
	}

	profile, err := i.profiles.User(ctx, runkeeperToken)
	if err != nil {
		return false, err
	}
	runkeeperID := strconv.FormatInt(profile.UserID, 10)

	if err := i.accounts.Import(ctx, ohID, ohRefreshToken, runkeeperID, runkeeperToken); err != nil {
		return false, err
	}

	log = log.WithField("runkeeper_id", runkeeperID)
	log.Info("member imported")
	if err := i.queue.Enqueue(ohID); err != nil && !errors.Is(err, ErrInFlight) {
		// The next stale scan picks the member up, its last_updated is old.
		log.WithError(err).Warn("imported member not queued")
	}
	return true, nil
}
