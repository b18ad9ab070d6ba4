package services

import (
	"strings"
	"time"

	"snapmap/apperrors"
	"snapmap/models"
	"snapmap/utils"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultUploadExpiry = 600 * time.Second
	maxUploadExpiry     = 7 * 24 * time.Hour
)

type presignRequest struct {
	ObjectToFind     string `json:"object_to_find" validate:"notblank"`
	ExpiresInSeconds *int64 `json:"expiresInSeconds" validate:"omitempty,gt=0,lte=604800"`
}

type verificationRequest struct {
	ObjectKey       string `json:"objectKey" validate:"notblank"`
	ExpectedLabel   string `json:"expectedLabel" validate:"notblank"`
	QuestID         *int64 `json:"questId" validate:"omitempty,gt=0"`
	AllowFeedPhotos bool   `json:"allowFeedPhotos"`
}

type statusUpdateRequest struct {
	State   models.VerificationState `json:"state" validate:"required,oneof=QUEUED PROCESSING APPROVED REJECTED FAILED"`
	Message string                   `json:"message"`
	// Task is the popped payload; with state PROCESSING it lets the worker
	// claim a task whose QUEUED record has not been written yet
	Task *models.VerificationTask `json:"task"`
}

func statusBody(st models.VerificationStatus) fiber.Map {
	return fiber.Map{"taskId": st.TaskID, "status": st.State, "details": st}
}

// Presign issues an upload URL for a fresh object key owned by the caller
func (s *VerificationService) Presign(c *fiber.Ctx) error {
	var req presignRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	expires := defaultUploadExpiry
	if req.ExpiresInSeconds != nil {
		expires = time.Duration(*req.ExpiresInSeconds) * time.Second
	}
	if expires > maxUploadExpiry {
		expires = maxUploadExpiry
	}

	user := CurrentUser(c)
	key, err := utils.NewObjectKey(req.ObjectToFind, user.TgID)
	if err != nil {
		return err
	}
	url, err := s.blobs.PresignUpload(c.UserContext(), key, expires)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"url": url, "objectKey": key})
}

// ObjectStatus reports whether an uploaded object is present
func (s *VerificationService) ObjectStatus(c *fiber.Ctx) error {
	key := strings.TrimSpace(c.Query("objectKey"))
	if key == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "objectKey is required")
	}
	st, err := s.blobs.HeadObject(c.UserContext(), key)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// RequestVerification queues the caller's uploaded photo for verification
func (s *VerificationService) RequestVerification(c *fiber.Ctx) error {
	var req verificationRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.QuestID != nil && s.quests != nil {
		if _, err := s.quests.FindByID(c.UserContext(), *req.QuestID); err != nil {
			return err
		}
	}

	res, err := s.Enqueue(c.UserContext(), CurrentUser(c), req.ObjectKey, req.ExpectedLabel, req.QuestID, req.AllowFeedPhotos)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(statusBody(res.Status))
}

// VerificationStatus returns the caller's task status
func (s *VerificationService) VerificationStatus(c *fiber.Ctx) error {
	st, err := s.GetStatusForUser(c.UserContext(), c.Query("taskId"), CurrentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(statusBody(st))
}

// VerificationResult returns the worker result for the caller's task
func (s *VerificationService) VerificationResult(c *fiber.Ctx) error {
	taskID := strings.TrimSpace(c.Query("taskId"))
	raw, err := s.GetResultForUser(c.UserContext(), taskID, CurrentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"taskId": taskID, "result": raw})
}

// --- Worker-facing handlers ---

// InternalUpdateStatus lets an out-of-process worker move a task forward
func (s *VerificationService) InternalUpdateStatus(c *fiber.Ctx) error {
	var req statusUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	taskID := c.Params("taskId")

	var (
		st  models.VerificationStatus
		err error
	)
	if req.State == models.StateProcessing && req.Task != nil {
		if req.Task.TaskID != taskID {
			return apperrors.New(apperrors.CodeInvalidArgument, "task.taskId does not match the path")
		}
		st, err = s.StartProcessing(c.UserContext(), *req.Task, req.Message)
	} else {
		st, err = s.UpdateStatus(c.UserContext(), taskID, req.State, req.Message)
	}
	if err != nil {
		return err
	}
	return c.JSON(statusBody(st))
}

// InternalSaveResult stores the raw JSON body as the task result
func (s *VerificationService) InternalSaveResult(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if err := s.SaveResult(c.UserContext(), taskID, c.Body()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
