package models

import "time"

// User carries the cached credit balance and generation statistics.
// Credits must only change together with a credit_transactions row.
type User struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Email             string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"email"`
	Username          string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"username"`
	PasswordHash      string    `gorm:"type:varchar(255);not null" json:"-"`
	Credits           int       `gorm:"not null;default:0" json:"credits"`
	VideosGenerated   int       `gorm:"not null;default:0" json:"videos_generated"`
	TotalVideoSeconds int       `gorm:"not null;default:0" json:"total_video_seconds"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
