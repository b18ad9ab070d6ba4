package services

import (
	"context"
	"strconv"
	"time"

	"snapmap/logger"
	"snapmap/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const (
	feedDefaultLimit = 20
	feedMaxLimit     = 100
	feedURLExpiry    = 15 * time.Minute
)

// FeedPost is one approved photo shown in the public feed
type FeedPost struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Tag       string    `json:"tag,omitempty"`
	Text      string    `json:"text,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type FeedService struct {
	DB    *gorm.DB
	blobs utils.BlobStore
	log   *logger.Logger
}

func NewFeedService(db *gorm.DB, blobs utils.BlobStore) *FeedService {
	return &FeedService{DB: db, blobs: blobs, log: logger.Named("feed")}
}

type feedRow struct {
	ID          int64
	QuestName   string
	Username    *string
	Fullname    *string
	Photo       *string
	Description *string
	CreatedAt   time.Time
}

// Latest returns the newest completed quests whose owners allowed feed photos
func (s *FeedService) Latest(ctx context.Context, limit int) ([]FeedPost, error) {
	if limit <= 0 || limit > feedMaxLimit {
		limit = feedDefaultLimit
	}

	var rows []feedRow
	err := s.DB.WithContext(ctx).
		Table("completed_quests AS cq").
		Select("cq.id, q.name AS quest_name, u.tg_username AS username, u.tg_fullname AS fullname, cq.photo, cq.description, cq.created_at").
		Joins("JOIN quests q ON q.id = cq.quest_id").
		Joins("JOIN users u ON u.id = cq.user_id").
		Where("cq.allow_feed_photos = ?", true).
		Order("cq.created_at DESC, cq.id DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	posts := make([]FeedPost, 0, len(rows))
	for _, r := range rows {
		p := FeedPost{
			ID:        strconv.FormatInt(r.ID, 10),
			Username:  displayName(r.Username, r.Fullname),
			Tag:       r.QuestName,
			CreatedAt: r.CreatedAt,
		}
		if r.Description != nil {
			p.Text = *r.Description
		}
		if r.Photo != nil && *r.Photo != "" {
			url, err := s.blobs.PresignDownload(ctx, *r.Photo, feedURLExpiry)
			if err != nil {
				s.log.Warn().Err(err).Int64("completed_quest_id", r.ID).Msg("[Feed] presign failed, skipping image")
			} else {
				p.ImageURL = url
			}
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// GetFeed serves GET /api/feed?limit=
func (s *FeedService) GetFeed(c *fiber.Ctx) error {
	posts, err := s.Latest(c.UserContext(), c.QueryInt("limit", feedDefaultLimit))
	if err != nil {
		return err
	}
	return c.JSON(posts)
}

func displayName(username, fullname *string) string {
	if username != nil && *username != "" {
		return *username
	}
	if fullname != nil && *fullname != "" {
		return *fullname
	}
	return "Anonymous"
}
