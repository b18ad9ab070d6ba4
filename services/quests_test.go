package services

import (
	"context"
	"fmt"
	"testing"

	"snapmap/apperrors"
	"snapmap/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, svc *UserService, tgID int64) *models.User {
	t.Helper()
	u, err := svc.ResolveUser(context.Background(), launchData(fmt.Sprintf(`{"id":%d,"first_name":"Ann","username":"ann"}`, tgID)))
	require.NoError(t, err)
	return u
}


func TestQuestCreateAndDuplicates(t *testing.T) {
	svc := NewQuestService(newTestDB(t))
	ctx := context.Background()

	q, dup, err := svc.Create(ctx, models.Quest{Name: "  Red Flower ", Metadata: strPtr("flower"), Reward: float64Ptr(10)})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "Red Flower", q.Name)
	assert.Equal(t, "red-flower", q.Slug)

	again, dup, err := svc.Create(ctx, models.Quest{Name: "Red Flower"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, q.ID, again.ID)

	byMeta, dup, err := svc.Create(ctx, models.Quest{Name: "Another", Metadata: strPtr("flower")})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, q.ID, byMeta.ID)

	// blank metadata never counts as a duplicate
	_, dup, err = svc.Create(ctx, models.Quest{Name: "Blue Door", Metadata: strPtr(" ")})
	require.NoError(t, err)
	assert.False(t, dup)
	_, dup, err = svc.Create(ctx, models.Quest{Name: "Green Bench", Metadata: strPtr("")})
	require.NoError(t, err)
	assert.False(t, dup)

	_, _, err = svc.Create(ctx, models.Quest{Name: "   "})
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))

	all, err := svc.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestQuestPartialUpdate(t *testing.T) {
	svc := NewQuestService(newTestDB(t))
	ctx := context.Background()

	flower, _, err := svc.Create(ctx, models.Quest{Name: "Red Flower", Difficulty: intPtr(2)})
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, models.Quest{Name: "Blue Door", Metadata: strPtr("door")})
	require.NoError(t, err)

	got, err := svc.PartialUpdate(ctx, flower.ID, QuestPatch{Name: strPtr("Yellow Flower"), Reward: float64Ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, "Yellow Flower", got.Name)
	assert.Equal(t, "yellow-flower", got.Slug)
	assert.Equal(t, 5.0, *got.Reward)
	assert.Equal(t, 2, *got.Difficulty, "untouched fields are kept")

	_, err = svc.PartialUpdate(ctx, flower.ID, QuestPatch{Name: strPtr("Blue Door")})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
	assert.Equal(t, "Quest with name 'Blue Door' already exists", apperrors.PublicMessage(err))

	_, err = svc.PartialUpdate(ctx, flower.ID, QuestPatch{Metadata: strPtr("door")})
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))

	// renaming to its own name is fine
	_, err = svc.PartialUpdate(ctx, flower.ID, QuestPatch{Name: strPtr("Yellow Flower")})
	assert.NoError(t, err)

	_, err = svc.PartialUpdate(ctx, 999, QuestPatch{Reward: float64Ptr(1)})
	assert.ErrorIs(t, err, ErrQuestNotFound)
}

func TestQuestDelete(t *testing.T) {
	svc := NewQuestService(newTestDB(t))
	ctx := context.Background()

	q, _, err := svc.Create(ctx, models.Quest{Name: "Red Flower"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, q.ID))
	assert.ErrorIs(t, svc.Delete(ctx, q.ID), ErrQuestNotFound)
	_, err = svc.FindByID(ctx, q.ID)
	assert.ErrorIs(t, err, ErrQuestNotFound)
}

func TestRecordCompletionIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	quests := NewQuestService(db)
	users := NewUserService(db)
	ctx := context.Background()

	user := seedUser(t, users, 555)
	quest, _, err := quests.Create(ctx, models.Quest{Name: "Red Flower", Reward: float64Ptr(10)})
	require.NoError(t, err)

	task := models.VerificationTask{
		TaskID:          "task-1",
		ObjectKey:       "abc_flower_555",
		ExpectedLabel:   "flower",
		UserID:          user.ID,
		UserTgID:        555,
		QuestID:         &quest.ID,
		AllowFeedPhotos: true,
	}

	recorded, err := quests.RecordCompletion(ctx, task)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = quests.RecordCompletion(ctx, task)
	require.NoError(t, err)
	assert.False(t, recorded, "redelivered task changes nothing")

	reloaded, err := users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, reloaded.Balance)

	var completed []models.CompletedQuest
	require.NoError(t, db.Find(&completed).Error)
	require.Len(t, completed, 1)
	assert.Equal(t, "abc_flower_555", *completed[0].Photo)

	done, err := quests.CompletedQuestIDs(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, done[quest.ID])

	// a second approved photo for the same quest is another completion
	task.TaskID = "task-2"
	recorded, err = quests.RecordCompletion(ctx, task)
	require.NoError(t, err)
	assert.True(t, recorded)
	reloaded, err = users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 20.0, reloaded.Balance)
}

func TestRecordCompletionWithoutQuest(t *testing.T) {
	quests := NewQuestService(newTestDB(t))
	recorded, err := quests.RecordCompletion(context.Background(), models.VerificationTask{TaskID: "t"})
	require.NoError(t, err)
	assert.False(t, recorded)

	recorded, err = quests.RecordCompletion(context.Background(), models.VerificationTask{TaskID: "t", QuestID: int64Ptr(77)})
	assert.ErrorIs(t, err, ErrQuestNotFound)
	assert.False(t, recorded)
}
