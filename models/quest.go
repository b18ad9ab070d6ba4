package models

import "time"

// Quest is a photo challenge users complete for a reward
type Quest struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"uniqueIndex;not null" json:"name"`
	Slug         string    `gorm:"index;not null;default:''" json:"slug"`
	Metadata     *string   `gorm:"type:text;uniqueIndex" json:"metadata"`
	Difficulty   *int      `json:"difficulty"`
	Reward       *float64  `json:"reward"`
	DurationDays *int      `json:"duration_days"`
	CreatedAt    time.Time `json:"-" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"-" gorm:"autoUpdateTime"`
}

// CompletedQuest records an approved photo for a quest. TaskID is the
// verification task that produced it, so a redelivered task is recorded once.
type CompletedQuest struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"index;not null" json:"user_id"`
	QuestID         int64     `gorm:"index;not null" json:"quest_id"`
	TaskID          string    `gorm:"uniqueIndex;size:64;not null" json:"task_id"`
	Photo           *string   `gorm:"type:text" json:"photo,omitempty"`
	Description     *string   `gorm:"type:text" json:"description,omitempty"`
	AllowFeedPhotos bool      `gorm:"not null;default:false;index" json:"allow_feed_photos"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime;index"`

	User  User  `gorm:"foreignKey:UserID" json:"-"`
	Quest Quest `gorm:"foreignKey:QuestID" json:"-"`
}

// UserQuest tracks quests a user has picked up
type UserQuest struct {
	ID         int64 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64 `gorm:"uniqueIndex:idx_user_quest;not null" json:"user_id"`
	QuestID    int64 `gorm:"uniqueIndex:idx_user_quest;not null" json:"quest_id"`
	IsComplete bool  `gorm:"not null;default:false" json:"is_complete"`
}
