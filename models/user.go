package models

import (
	"time"
)

// User model. TokenVersion is the revocation counter: tokens embed the
// version current at issuance and stop validating once it is bumped.
// Normal login/logout never touches it.
type User struct {
	ID             uint `gorm:"primaryKey"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time `gorm:"index"`
	Username       string     `gorm:"size:255;not null;unique"`
	Email          string     `gorm:"size:255;not null;unique"` // stored lowercase
	HashedPassword []byte     `gorm:"not null"`
	Img            string     `gorm:"size:255;not null;default:default"`
	TokenVersion   int        `gorm:"not null;default:0"`
}
