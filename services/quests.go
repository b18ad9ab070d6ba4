// services/quests.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"snapmap/apperrors"
	"snapmap/logger"
	"snapmap/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QuestService struct {
	DB  *gorm.DB
	log *logger.Logger
}

func NewQuestService(db *gorm.DB) *QuestService {
	return &QuestService{DB: db, log: logger.Named("quests")}
}

// QuestPatch carries the fields a partial update may change. Nil means keep.
type QuestPatch struct {
	Name         *string  `json:"name" validate:"omitempty,notblank,max=255"`
	Metadata     *string  `json:"metadata"`
	Difficulty   *int     `json:"difficulty" validate:"omitempty,min=0,max=10"`
	Reward       *float64 `json:"reward" validate:"omitempty,gte=0"`
	DurationDays *int     `json:"duration_days" validate:"omitempty,gte=0"`
}

// QuestRequest is the admin create body
type QuestRequest struct {
	Name         string   `json:"name" validate:"notblank,max=255"`
	Metadata     *string  `json:"metadata"`
	Difficulty   *int     `json:"difficulty" validate:"omitempty,min=0,max=10"`
	Reward       *float64 `json:"reward" validate:"omitempty,gte=0"`
	DurationDays *int     `json:"duration_days" validate:"omitempty,gte=0"`
}

func (s *QuestService) FindAll(ctx context.Context) ([]models.Quest, error) {
	var quests []models.Quest
	if err := s.DB.WithContext(ctx).Order("id ASC").Find(&quests).Error; err != nil {
		return nil, fmt.Errorf("list quests: %w", err)
	}
	return quests, nil
}

func (s *QuestService) FindByID(ctx context.Context, id int64) (*models.Quest, error) {
	var q models.Quest
	if err := s.DB.WithContext(ctx).First(&q, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Wrap(ErrQuestNotFound, "FindByID", fmt.Errorf("quest %d", id))
		}
		return nil, fmt.Errorf("load quest %d: %w", id, err)
	}
	return &q, nil
}

// findDuplicate looks a quest up by name, then by non-blank metadata
func (s *QuestService) findDuplicate(db *gorm.DB, name string, metadata *string) (*models.Quest, error) {
	var q models.Quest
	err := db.Where("name = ?", name).First(&q).Error
	if err == nil {
		return &q, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if metadata == nil || strings.TrimSpace(*metadata) == "" {
		return nil, nil
	}
	err = db.Where("metadata = ?", *metadata).First(&q).Error
	if err == nil {
		return &q, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, nil
}

// Create inserts a quest. A quest with the same name or the same non-blank
// metadata is returned instead, with isDuplicate set.
func (s *QuestService) Create(ctx context.Context, q models.Quest) (*models.Quest, bool, error) {
	q.Name = strings.TrimSpace(q.Name)
	if q.Name == "" {
		return nil, false, apperrors.New(apperrors.CodeInvalidArgument, "name must not be blank")
	}
	if q.Metadata != nil && strings.TrimSpace(*q.Metadata) == "" {
		q.Metadata = nil
	}
	q.Slug = slug.Make(q.Name)

	db := s.DB.WithContext(ctx)
	existing, err := s.findDuplicate(db, q.Name, q.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("check duplicate quest: %w", err)
	}
	if existing != nil {
		return existing, true, nil
	}

	if err := db.Create(&q).Error; err != nil {
		// lost a race against a concurrent create of the same quest
		if existing, lookupErr := s.findDuplicate(db, q.Name, q.Metadata); lookupErr == nil && existing != nil {
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("create quest: %w", err)
	}
	s.log.Info().Int64("quest_id", q.ID).Str("slug", q.Slug).Msg("[Quests] ✅ created quest")
	return &q, false, nil
}

// PartialUpdate applies the non-nil fields of patch
func (s *QuestService) PartialUpdate(ctx context.Context, id int64, patch QuestPatch) (*models.Quest, error) {
	var out *models.Quest
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var q models.Quest
		if err := tx.First(&q, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.Wrap(ErrQuestNotFound, "PartialUpdate", fmt.Errorf("quest %d", id))
			}
			return err
		}

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			var count int64
			if err := tx.Model(&models.Quest{}).Where("name = ? AND id <> ?", name, id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return apperrors.Newf(apperrors.CodeInvalidArgument, "Quest with name '%s' already exists", name)
			}
			q.Name = name
			q.Slug = slug.Make(name)
		}
		if patch.Metadata != nil {
			var count int64
			if err := tx.Model(&models.Quest{}).Where("metadata = ? AND id <> ?", *patch.Metadata, id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return apperrors.Newf(apperrors.CodeInvalidArgument, "Quest with metadata '%s' already exists", *patch.Metadata)
			}
			q.Metadata = patch.Metadata
		}
		if patch.Difficulty != nil {
			q.Difficulty = patch.Difficulty
		}
		if patch.Reward != nil {
			q.Reward = patch.Reward
		}
		if patch.DurationDays != nil {
			q.DurationDays = patch.DurationDays
		}

		if err := tx.Save(&q).Error; err != nil {
			return err
		}
		out = &q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *QuestService) Delete(ctx context.Context, id int64) error {
	res := s.DB.WithContext(ctx).Delete(&models.Quest{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete quest %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.Wrap(ErrQuestNotFound, "Delete", fmt.Errorf("quest %d", id))
	}
	return nil
}

// RecordCompletion stores an approved photo for the task's quest and credits
// the quest reward to the user. It runs once per task id; a redelivered task
// returns recorded=false and changes nothing.
func (s *QuestService) RecordCompletion(ctx context.Context, task models.VerificationTask) (bool, error) {
	if task.QuestID == nil {
		return false, nil
	}
	recorded := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var quest models.Quest
		if err := tx.First(&quest, *task.QuestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.Wrap(ErrQuestNotFound, "RecordCompletion", fmt.Errorf("quest %d", *task.QuestID))
			}
			return err
		}

		photo := task.ObjectKey
		description := task.ExpectedLabel
		cq := models.CompletedQuest{
			UserID:          task.UserID,
			QuestID:         quest.ID,
			TaskID:          task.TaskID,
			Photo:           &photo,
			Description:     &description,
			AllowFeedPhotos: task.AllowFeedPhotos,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoNothing: true,
		}).Create(&cq)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if quest.Reward != nil && *quest.Reward != 0 {
			if err := tx.Model(&models.User{}).Where("id = ?", task.UserID).
				UpdateColumn("balance", gorm.Expr("balance + ?", *quest.Reward)).Error; err != nil {
				return err
			}
		}

		uq := models.UserQuest{UserID: task.UserID, QuestID: quest.ID, IsComplete: true}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "quest_id"}},
			DoUpdates: clause.Assignments(map[string]any{"is_complete": true}),
		}).Create(&uq).Error; err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if recorded {
		s.log.Info().Str("task_id", task.TaskID).Int64("user_id", task.UserID).Int64("quest_id", *task.QuestID).Msg("[Quests] 🏆 quest completed")
	}
	return recorded, nil
}

// CompletedQuestIDs lists the quests a user has completed
func (s *QuestService) CompletedQuestIDs(ctx context.Context, userID int64) (map[int64]bool, error) {
	var ids []int64
	if err := s.DB.WithContext(ctx).Model(&models.UserQuest{}).
		Where("user_id = ? AND is_complete = ?", userID, true).
		Pluck("quest_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// --- Handlers ---

type questView struct {
	models.Quest
	Completed bool `json:"completed"`
}

// ListQuests returns the catalog with the caller's completion flags
func (s *QuestService) ListQuests(c *fiber.Ctx) error {
	quests, err := s.FindAll(c.UserContext())
	if err != nil {
		return err
	}
	done := map[int64]bool{}
	if u := CurrentUser(c); u != nil {
		if done, err = s.CompletedQuestIDs(c.UserContext(), u.ID); err != nil {
			return err
		}
	}
	out := make([]questView, len(quests))
	for i, q := range quests {
		out[i] = questView{Quest: q, Completed: done[q.ID]}
	}
	return c.JSON(out)
}

func (s *QuestService) AdminListQuests(c *fiber.Ctx) error {
	quests, err := s.FindAll(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(quests)
}

func (s *QuestService) AdminGetQuest(c *fiber.Ctx) error {
	id, err := questIDParam(c)
	if err != nil {
		return err
	}
	q, err := s.FindByID(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(q)
}

func (s *QuestService) AdminCreateQuest(c *fiber.Ctx) error {
	var req QuestRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	q, dup, err := s.Create(c.UserContext(), models.Quest{
		Name:         req.Name,
		Metadata:     req.Metadata,
		Difficulty:   req.Difficulty,
		Reward:       req.Reward,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		return err
	}
	if dup {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"id": q.ID, "message": "Already exist"})
	}
	return c.Status(fiber.StatusCreated).JSON(q)
}

func (s *QuestService) AdminUpdateQuest(c *fiber.Ctx) error {
	id, err := questIDParam(c)
	if err != nil {
		return err
	}
	var patch QuestPatch
	if err := bindJSON(c, &patch); err != nil {
		return err
	}
	q, err := s.PartialUpdate(c.UserContext(), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(q)
}

func (s *QuestService) AdminDeleteQuest(c *fiber.Ctx) error {
	id, err := questIDParam(c)
	if err != nil {
		return err
	}
	if err := s.Delete(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func questIDParam(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, "Invalid quest id")
	}
	return id, nil
}
