package models

import (
	"time"
)

// CurrentSchemaVersion is the record layout this build writes.
const CurrentSchemaVersion = 1

const (
	DefaultBaseMiningSpeed = 0.015
	DefaultLanguageCode    = "en"
)

// Column names for partial writes.
const (
	ColFirstName          = "first_name"
	ColUsername           = "username"
	ColPhotoURL           = "photo_url"
	ColIsPremium          = "is_premium"
	ColLanguageCode       = "language_code"
	ColLastLogin          = "last_login"
	ColBalance            = "balance"
	ColMiningEndTime      = "mining_end_time"
	ColBaseMiningSpeed    = "base_mining_speed"
	ColBoostSpeed         = "boost_speed"
	ColReferralSpeed      = "referral_speed"
	ColTotalReferrals     = "total_referrals"
	ColActiveReferrals    = "active_referrals"
	ColBoostTaskCompleted = "boost_task_completed"
	ColReferredBy         = "referred_by"
)

// Fields is a partial (merge) write keyed by column name.
type Fields map[string]any

type User struct {
	ID           string `gorm:"primaryKey;size:64"`
	FirstName    string `gorm:"size:255"`
	Username     string `gorm:"size:255"`
	PhotoURL     string `gorm:"size:1024"`
	IsPremium    bool   `gorm:"default:false"`
	LanguageCode string `gorm:"size:16;default:'en'"`

	Balance            float64    `gorm:"not null;default:0"`
	MiningEndTime      *time.Time `gorm:"index"`
	BaseMiningSpeed    float64    `gorm:"not null"`
	BoostSpeed         float64    `gorm:"not null;default:0"`
	ReferralSpeed      float64    `gorm:"not null;default:0"`
	TotalReferrals     int64      `gorm:"not null;default:0"`
	ActiveReferrals    int64      `gorm:"not null;default:0"`
	BoostTaskCompleted bool       `gorm:"not null;default:false"`
	ReferredBy         *string    `gorm:"size:64;index"`

	SchemaVersion int `gorm:"not null;default:1"`
	CreatedAt     time.Time
	LastLogin     time.Time
	UpdatedAt     time.Time
}

// NewUser returns a first-login record with every speed at its default.
func NewUser(id string, referredBy string, baseSpeed float64, now time.Time) *User {
	u := &User{
		ID:              id,
		LanguageCode:    DefaultLanguageCode,
		BaseMiningSpeed: baseSpeed,
		SchemaVersion:   CurrentSchemaVersion,
		CreatedAt:       now,
		LastLogin:       now,
	}
	if referredBy != "" {
		u.ReferredBy = &referredBy
	}
	return u
}

// ApplyDefaults normalizes a loaded record in memory. Records written before
// schema versioning carry zero speeds and are given the base speed.
func (u *User) ApplyDefaults(baseSpeed float64) {
	if u.SchemaVersion < 1 && u.BaseMiningSpeed == 0 {
		u.BaseMiningSpeed = baseSpeed
	}
	if u.SchemaVersion < CurrentSchemaVersion {
		u.SchemaVersion = CurrentSchemaVersion
	}
	if u.LanguageCode == "" {
		u.LanguageCode = DefaultLanguageCode
	}

	u.Balance = nonNegative(u.Balance)
	u.BaseMiningSpeed = nonNegative(u.BaseMiningSpeed)
	u.BoostSpeed = nonNegative(u.BoostSpeed)
	u.ReferralSpeed = nonNegative(u.ReferralSpeed)
	if u.TotalReferrals < 0 {
		u.TotalReferrals = 0
	}
	if u.ActiveReferrals < 0 {
		u.ActiveReferrals = 0
	}
}

// TotalSpeed is the accrual rate in units per hour.
func (u *User) TotalSpeed() float64 {
	return u.BaseMiningSpeed + u.BoostSpeed + u.ReferralSpeed
}

// MiningActive reports whether the stored session is still running at now.
func (u *User) MiningActive(now time.Time) bool {
	return u.MiningEndTime != nil && u.MiningEndTime.After(now)
}

func (u *User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Username != "" {
		return u.Username
	}
	return "User " + u.ID
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
