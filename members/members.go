// Package members stores the linkage between Open Humans members and their
// Runkeeper accounts.
package members

import (
	"context"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/failure"
	"github.com/matematik7/runkeeper-oh/openhumans"
)

var ErrNoMember = errors.New("no open humans member with that id")

// refreshMargin is how long before expiry a token is refreshed.
const refreshMargin = time.Minute

// newMemberAge backdates bookkeeping of new links so they count as stale.
const newMemberAge = 7 * 24 * time.Hour

type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*openhumans.Token, error)
}

// Credentials is what a synchronization run needs to act for a member.
type Credentials struct {
	OHID           string
	OHAccessToken  string
	RunkeeperID    string
	RunkeeperToken string
	LastUpdated    time.Time
	LastSubmitted  time.Time
}

type Service struct {
	DB        *gorm.DB
	refresher TokenRefresher
	log       *logrus.Logger

	Now func() time.Time
}

// New returns a Service. refresher may be nil when Open Humans tokens are
// not needed, e.g. with the S3 destination.
func New(db *gorm.DB, refresher TokenRefresher, log *logrus.Logger) *Service {
	return &Service{
		DB:        db,
		refresher: refresher,
		log:       log,
		Now:       time.Now,
	}
}

func (s *Service) Resources() []interface{} {
	return []interface{}{
		&OpenHumansMember{},
		&RunkeeperMember{},
	}
}

func (s *Service) Migrate() error {
	if err := s.DB.AutoMigrate(s.Resources()...).Error; err != nil {
		return errors.Wrap(err, "could not migrate members")
	}
	return nil
}

func (s *Service) runkeeperMember(db *gorm.DB, ohID string) (RunkeeperMember, error) {
	var member RunkeeperMember
	query := db.
		Joins("JOIN open_humans_members ohm ON ohm.id = runkeeper_members.open_humans_member_id").
		Where("ohm.oh_id = ? AND ohm.deleted_at IS NULL", ohID).
		Preload("OpenHumansMember").
		First(&member)
	if query.RecordNotFound() {
		return member, ErrNoMember
	} else if query.Error != nil {
		return member, errors.Wrap(query.Error, "could not load runkeeper member")
	}
	return member, nil
}

// Credentials returns the tokens of a linked member, refreshing the Open
// Humans token when it is about to expire.
func (s *Service) Credentials(ctx context.Context, ohID string) (Credentials, error) {
	member, err := s.runkeeperMember(s.DB.New(), ohID)
	if err == ErrNoMember {
		return Credentials{}, &failure.AuthError{Reason: "member " + ohID + " has no linked runkeeper account", Cause: err}
	} else if err != nil {
		return Credentials{}, err
	}

	if member.AccessToken == "" {
		return Credentials{}, &failure.AuthError{Reason: "member " + ohID + " has no runkeeper token"}
	}

	oh := member.OpenHumansMember
	if s.refresher != nil && needsRefresh(oh.TokenExpires, s.Now()) {
		if err := s.refresh(ctx, &oh); err != nil {
			return Credentials{}, err
		}
	}

	return Credentials{
		OHID:           oh.OHID,
		OHAccessToken:  oh.AccessToken,
		RunkeeperID:    member.RunkeeperID,
		RunkeeperToken: member.AccessToken,
		LastUpdated:    member.LastUpdated,
		LastSubmitted:  member.LastSubmitted,
	}, nil
}

func needsRefresh(expires, now time.Time) bool {
	return !now.Add(refreshMargin).Before(expires)
}

func (s *Service) refresh(ctx context.Context, oh *OpenHumansMember) error {
	if oh.RefreshToken == "" {
		return &failure.AuthError{Reason: "member " + oh.OHID + " has no refresh token"}
	}

	token, err := s.refresher.RefreshToken(ctx, oh.RefreshToken)
	if err != nil {
		var auth *failure.AuthError
		if errors.As(err, &auth) {
			return err
		}
		return errors.Wrap(err, "could not refresh open humans token")
	}

	updates := map[string]interface{}{
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"token_expires": token.Expiry,
	}
	if err := s.DB.Model(oh).Updates(updates).Error; err != nil {
		return errors.Wrap(err, "user token db write")
	}
	oh.AccessToken = token.AccessToken
	oh.RefreshToken = token.RefreshToken
	oh.TokenExpires = token.Expiry

	s.log.WithField("oh_id", oh.OHID).Debug("refreshed open humans token")
	return nil
}

func (s *Service) update(ohID string, updates map[string]interface{}) error {
	member, err := s.runkeeperMember(s.DB.New(), ohID)
	if err != nil {
		return err
	}
	// A bare model keeps gorm from saving the preloaded OpenHumansMember too.
	row := RunkeeperMember{Model: gorm.Model{ID: member.ID}}
	if err := s.DB.Model(&row).Updates(updates).Error; err != nil {
		return errors.Wrap(err, "could not update runkeeper member")
	}
	return nil
}

func (s *Service) SetRunkeeperID(ctx context.Context, ohID, runkeeperID string) error {
	return s.update(ohID, map[string]interface{}{"runkeeper_id": runkeeperID})
}

// MarkUpdated records a successful synchronization.
func (s *Service) MarkUpdated(ctx context.Context, ohID string, at time.Time) error {
	return s.update(ohID, map[string]interface{}{"last_updated": at})
}

// CanSubmit reports whether a manual update may be started: the previous one
// must be at least interval old.
func CanSubmit(lastSubmitted, now time.Time, interval time.Duration) bool {
	return lastSubmitted.Before(now.Add(-interval))
}

// Submit records a manual update request and runs queue for it. It returns
// false without changes when the previous request is more recent than
// interval. The check and the write are one statement, so concurrent requests
// accept at most one. When queue fails the write is rolled back and its error
// returned, so a refused request can be retried right away.
func (s *Service) Submit(ctx context.Context, ohID string, interval time.Duration, queue func() error) (bool, error) {
	member, err := s.runkeeperMember(s.DB.New(), ohID)
	if err != nil {
		return false, err
	}

	now := s.Now()
	if !CanSubmit(member.LastSubmitted, now, interval) {
		return false, nil
	}

	accepted := false
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&RunkeeperMember{}).
			Where("id = ? AND last_submitted < ?", member.ID, now.Add(-interval)).
			UpdateColumn("last_submitted", now)
		if query.Error != nil {
			return errors.Wrap(query.Error, "could not update runkeeper member")
		}
		if query.RowsAffected != 1 {
			return nil
		}
		if err := queue(); err != nil {
			return errors.Wrap(err, "could not queue update")
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// Link is a member with a Runkeeper account attached.
type Link struct {
	OHID        string
	RunkeeperID string
	LastUpdated time.Time
}

// Linked returns every member with a Runkeeper account.
func (s *Service) Linked(ctx context.Context) ([]Link, error) {
	var members []RunkeeperMember
	if err := s.DB.Preload("OpenHumansMember").Order("id").Find(&members).Error; err != nil {
		return nil, errors.Wrap(err, "could not list runkeeper members")
	}

	links := make([]Link, 0, len(members))
	for _, m := range members {
		if m.OpenHumansMember.OHID == "" {
			continue
		}
		links = append(links, Link{
			OHID:        m.OpenHumansMember.OHID,
			RunkeeperID: m.RunkeeperID,
			LastUpdated: m.LastUpdated,
		})
	}
	return links, nil
}

// Exists reports whether an Open Humans member is stored.
func (s *Service) Exists(ctx context.Context, ohID string) (bool, error) {
	var count int
	if err := s.DB.Model(&OpenHumansMember{}).Where("oh_id = ?", ohID).Count(&count).Error; err != nil {
		return false, errors.Wrap(err, "could not count members")
	}
	return count > 0, nil
}

// Import stores a member known only by its Open Humans refresh token and a
// Runkeeper token. The Open Humans token is refreshed right away.
func (s *Service) Import(ctx context.Context, ohID, ohRefreshToken, runkeeperID, runkeeperToken string) error {
	now := s.Now()
	oh := OpenHumansMember{
		OHID:         ohID,
		AccessToken:  "",
		RefreshToken: ohRefreshToken,
		TokenExpires: now.Add(-time.Hour),
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&oh).Error; err != nil {
			return errors.Wrap(err, "could not create open humans member")
		}
		rk := RunkeeperMember{
			OpenHumansMemberID: oh.ID,
			RunkeeperID:        runkeeperID,
			AccessToken:        runkeeperToken,
			LastUpdated:        now.Add(-newMemberAge),
			LastSubmitted:      now.Add(-newMemberAge),
		}
		if err := tx.Create(&rk).Error; err != nil {
			return errors.Wrap(err, "could not create runkeeper member")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.refresher != nil {
		return s.refresh(ctx, &oh)
	}
	return nil
}

// Disconnect removes the member's Runkeeper link. The Open Humans member is
// kept.
func (s *Service) Disconnect(ctx context.Context, ohID string) error {
	member, err := s.runkeeperMember(s.DB.New(), ohID)
	if err != nil {
		return err
	}
	if err := s.DB.Unscoped().Delete(&member).Error; err != nil {
		return errors.Wrap(err, "could not delete runkeeper member")
	}
	return nil
}
