package members

import (
	"time"

	"github.com/jinzhu/gorm"
)

// OpenHumansMember is a project member and the tokens to act on its behalf.
type OpenHumansMember struct {
	gorm.Model

	OHID         string `gorm:"unique_index;not null"`
	AccessToken  string
	RefreshToken string
	TokenExpires time.Time
}

// RunkeeperMember links a project member to a Runkeeper account and keeps
// the synchronization bookkeeping.
type RunkeeperMember struct {
	gorm.Model

	OpenHumansMember   OpenHumansMember
	OpenHumansMemberID uint `gorm:"unique_index"`

	RunkeeperID   string
	AccessToken   string
	LastUpdated   time.Time
	LastSubmitted time.Time
}
