package models

import "time"

// Role gates the admin routes
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User is the local account behind a Telegram identity. TgID never changes once
// stored; the display fields are refreshed from launch data on each sign-in.
type User struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TgID       int64     `gorm:"uniqueIndex;not null" json:"tg_id"`
	TgUsername *string   `json:"tg_username,omitempty"`
	TgAvatar   *string   `gorm:"type:text" json:"tg_avatar,omitempty"`
	TgFullname *string   `json:"tg_fullname,omitempty"`
	City       *string   `json:"city,omitempty"`
	Balance    float64   `gorm:"not null;default:0" json:"balance"`
	Role       Role      `gorm:"size:16;not null;default:'USER'" json:"role"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// IsAdmin reports whether the user may use the admin routes
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}
