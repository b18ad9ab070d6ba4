// services/users.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"snapmap/logger"
	"snapmap/models"
	"snapmap/telegram"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserService struct {
	DB  *gorm.DB
	log *logger.Logger
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{DB: db, log: logger.Named("users")}
}

// ResolveUser finds or creates the user described by verified launch data.
// An existing row is written only when a display field actually changed.
func (s *UserService) ResolveUser(ctx context.Context, data map[string]string) (*models.User, error) {
	tgUser, err := telegram.ParseUser(data)
	if err != nil {
		return nil, err
	}

	username := normalized(tgUser.Username)
	avatar := normalized(tgUser.PhotoURL)
	fullName := normalized(tgUser.FullName())

	db := s.DB.WithContext(ctx)

	var user models.User
	err = db.Where("tg_id = ?", tgUser.ID).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{
			TgID:       tgUser.ID,
			TgUsername: username,
			TgAvatar:   avatar,
			TgFullname: fullName,
			Role:       models.RoleUser,
		}
		// two first sign-ins may race; the loser re-reads the winner's row
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tg_id"}},
			DoNothing: true,
		}).Create(&user)
		if res.Error != nil {
			return nil, fmt.Errorf("create user %d: %w", tgUser.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			s.log.Info().Int64("tg_id", tgUser.ID).Int64("user_id", user.ID).Msg("[Users] ✅ created user")
			return &user, nil
		}
		user = models.User{}
		if err := db.Where("tg_id = ?", tgUser.ID).First(&user).Error; err != nil {
			return nil, fmt.Errorf("load user %d: %w", tgUser.ID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("load user %d: %w", tgUser.ID, err)
	}

	changes := map[string]any{}
	if !samePtr(user.TgUsername, username) {
		changes["tg_username"] = username
		user.TgUsername = username
	}
	if !samePtr(user.TgAvatar, avatar) {
		changes["tg_avatar"] = avatar
		user.TgAvatar = avatar
	}
	if !samePtr(user.TgFullname, fullName) {
		changes["tg_fullname"] = fullName
		user.TgFullname = fullName
	}
	if len(changes) == 0 {
		return &user, nil
	}

	if err := db.Model(&user).Updates(changes).Error; err != nil {
		return nil, fmt.Errorf("update user %d: %w", tgUser.ID, err)
	}
	s.log.Debug().Int64("user_id", user.ID).Int("fields", len(changes)).Msg("[Users] refreshed profile")
	return &user, nil
}

// FindByID loads a user by internal id
func (s *UserService) FindByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetMe returns the verified launch data of the caller
func (s *UserService) GetMe(c *fiber.Ctx) error {
	return c.JSON(InitData(c))
}

// UpsertCurrentUser returns the profile of the caller, created on first sight
func (s *UserService) UpsertCurrentUser(c *fiber.Ctx) error {
	u := CurrentUser(c)
	return c.JSON(fiber.Map{
		"id":          u.ID,
		"tg_id":       u.TgID,
		"tg_username": u.TgUsername,
		"tg_avatar":   u.TgAvatar,
		"tg_fullname": u.TgFullname,
		"city":        u.City,
		"balance":     u.Balance,
		"role":        u.Role,
	})
}

// normalized NFC-normalizes a display string and maps blank to nil
func normalized(s *string) *string {
	if s == nil {
		return nil
	}
	v := norm.NFC.String(strings.TrimSpace(*s))
	if v == "" {
		return nil
	}
	return &v
}

func samePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
