package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"snapmap/middleware"
	"snapmap/models"
	"snapmap/services"
	"snapmap/telegram"
	"snapmap/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	botToken     = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"
	serviceToken = "internal-s3cret"
)

type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) Bucket() string { return "photos" }

func (m *mockBlobStore) PresignUpload(ctx context.Context, key string, expires time.Duration) (string, error) {
	args := m.Called(ctx, key, expires)
	return args.String(0), args.Error(1)
}

func (m *mockBlobStore) PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error) {
	args := m.Called(ctx, key, expires)
	return args.String(0), args.Error(1)
}

func (m *mockBlobStore) HeadObject(ctx context.Context, key string) (utils.ObjectStatus, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(utils.ObjectStatus), args.Error(1)
}

type apiFixture struct {
	app   *fiber.App
	db    *gorm.DB
	mr    *miniredis.Miniredis
	blobs *mockBlobStore
	svc   *services.VerificationService
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Quest{}, &models.CompletedQuest{}, &models.UserQuest{}))

	blobs := &mockBlobStore{}
	quests := services.NewQuestService(db)
	store := services.NewRedisStatusStore(rdb, "verification:status", "verification:result", time.Hour)
	svc := services.NewVerificationService(blobs, services.NewRedisTaskQueue(rdb, "verification:queue"), store, nil, quests, services.VerificationConfig{})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	SetupRoutes(app, Deps{
		Auth:          middleware.InitDataConfig{BotToken: botToken, MaxAge: time.Hour},
		ServiceToken:  serviceToken,
		Users:         services.NewUserService(db),
		Quests:        quests,
		Feed:          services.NewFeedService(db, blobs),
		Verifications: svc,
	})
	return &apiFixture{app: app, db: db, mr: mr, blobs: blobs, svc: svc}
}

func initData(tgID int64) string {
	return telegram.Sign(map[string]string{
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
		"user":      fmt.Sprintf(`{"id":%d,"first_name":"Ann","username":"ann"}`, tgID),
	}, botToken)
}

// call sends a request as the Telegram user tgID; tgID 0 sends no auth
func (f *apiFixture) call(t *testing.T, method, path string, tgID int64, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if tgID != 0 {
		req.Header.Set("Authorization", "tma "+initData(tgID))
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (f *apiFixture) internal(t *testing.T, method, path, token, body string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Service-Token", token)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPI(t)
	status, body := f.call(t, http.MethodGet, "/api/health", 0, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, "Snap Map API is running", body["message"])
}

func TestProtectedRoutesNeedLaunchData(t *testing.T) {
	f := newAPI(t)
	for _, path := range []string{"/api/me", "/api/quests", "/api/feed", "/api/uploads/verify/status?taskId=x"} {
		status, body := f.call(t, http.MethodGet, path, 0, nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
		assert.Equal(t, "Authorization header is missing", body["error"], path)
	}
}

func TestUpsertCurrentUser(t *testing.T) {
	f := newAPI(t)
	status, body := f.call(t, http.MethodPost, "/api/user", 555, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 555, body["tg_id"])
	assert.Equal(t, "ann", body["tg_username"])
	assert.Equal(t, "USER", body["role"])
	assert.EqualValues(t, 0, body["balance"])
}

func TestVerificationFlow(t *testing.T) {
	f := newAPI(t)
	f.blobs.On("PresignUpload", mock.Anything, mock.MatchedBy(func(key string) bool {
		return len(key) > 0
	}), 600*time.Second).Return("https://s3.example/put", nil)
	f.blobs.On("HeadObject", mock.Anything, "abc_flower_555").Return(utils.ObjectStatus{Exists: true, ETag: ptr("xyz")}, nil)

	status, body := f.call(t, http.MethodPost, "/api/uploads/presign", 555, map[string]any{"object_to_find": "Red Flower"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://s3.example/put", body["url"])
	assert.Regexp(t, `^[0-9A-Za-z]{16}_red-flower_555$`, body["objectKey"])

	status, body = f.call(t, http.MethodPost, "/api/uploads/verify", 555, map[string]any{"objectKey": "abc_flower_555", "expectedLabel": "flower"})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "QUEUED", body["status"])
	taskID := body["taskId"].(string)
	require.NotEmpty(t, taskID)

	status, body = f.call(t, http.MethodGet, "/api/uploads/verify/status?taskId="+taskID, 555, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "QUEUED", body["status"])
	details := body["details"].(map[string]any)
	assert.Equal(t, "Task queued", details["message"])

	// other users cannot see the task
	status, body = f.call(t, http.MethodGet, "/api/uploads/verify/status?taskId="+taskID, 777, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Task not found", body["error"])

	status, _ = f.call(t, http.MethodGet, "/api/uploads/verify/result?taskId="+taskID, 555, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// the worker side, through the internal routes
	assert.Equal(t, http.StatusUnauthorized, f.internal(t, http.MethodPost, "/internal/verifications/"+taskID+"/status", "", `{"state":"PROCESSING"}`))
	assert.Equal(t, http.StatusOK, f.internal(t, http.MethodPost, "/internal/verifications/"+taskID+"/status", serviceToken, `{"state":"PROCESSING","message":"Worker started"}`))
	assert.Equal(t, http.StatusNoContent, f.internal(t, http.MethodPut, "/internal/verifications/"+taskID+"/result", serviceToken, `{"score":0.91}`))
	assert.Equal(t, http.StatusOK, f.internal(t, http.MethodPost, "/internal/verifications/"+taskID+"/status", serviceToken, `{"state":"APPROVED"}`))
	assert.Equal(t, http.StatusConflict, f.internal(t, http.MethodPost, "/internal/verifications/"+taskID+"/status", serviceToken, `{"state":"REJECTED"}`))
	assert.Equal(t, http.StatusBadRequest, f.internal(t, http.MethodPost, "/internal/verifications/"+taskID+"/status", serviceToken, `{"state":"DONE"}`))

	status, body = f.call(t, http.MethodGet, "/api/uploads/verify/result?taskId=%20"+taskID+"%20", 555, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, taskID, body["taskId"])
	assert.Equal(t, map[string]any{"score": 0.91}, body["result"])
}

func TestInternalStatusClaimsTaskBeforeQueuedWrite(t *testing.T) {
	f := newAPI(t)
	task := models.VerificationTask{
		TaskID:                 "task-early",
		ObjectKey:              "abc_flower_555",
		ExpectedLabel:          "flower",
		UserID:                 1,
		RequestedAtEpochMillis: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(map[string]any{"state": "PROCESSING", "message": "Worker started", "task": task})
	require.NoError(t, err)
	path := "/internal/verifications/task-early/status"

	// without the task payload there is nothing to claim
	assert.Equal(t, http.StatusNotFound, f.internal(t, http.MethodPost, path, serviceToken, `{"state":"PROCESSING"}`))
	assert.Equal(t, http.StatusOK, f.internal(t, http.MethodPost, path, serviceToken, string(raw)))

	st, err := f.svc.GetStatus(context.Background(), "task-early")
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessing, st.State)
	assert.Equal(t, "abc_flower_555", st.ObjectKey)

	mismatched, err := json.Marshal(map[string]any{"state": "PROCESSING", "task": task})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, f.internal(t, http.MethodPost, "/internal/verifications/other/status", serviceToken, string(mismatched)))
}

func TestRequestVerificationErrors(t *testing.T) {
	f := newAPI(t)
	f.blobs.On("HeadObject", mock.Anything, "missing").Return(utils.ObjectStatus{}, nil)

	status, body := f.call(t, http.MethodPost, "/api/uploads/verify", 555, map[string]any{"objectKey": "missing", "expectedLabel": "flower"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Object not found in storage", body["error"])

	status, body = f.call(t, http.MethodPost, "/api/uploads/verify", 555, map[string]any{"objectKey": " ", "expectedLabel": "flower"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "objectKey must not be blank", body["error"])

	status, body = f.call(t, http.MethodPost, "/api/uploads/verify", 555, map[string]any{"objectKey": "k", "expectedLabel": "flower", "questId": 99})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Quest not found", body["error"])
}

func TestObjectStatusRoute(t *testing.T) {
	f := newAPI(t)
	f.blobs.On("HeadObject", mock.Anything, "abc").Return(utils.ObjectStatus{Exists: true, ETag: ptr("xyz")}, nil)

	status, body := f.call(t, http.MethodGet, "/api/uploads/status?objectKey=abc", 555, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["exists"])
	assert.Equal(t, "xyz", body["eTag"])

	status, _ = f.call(t, http.MethodGet, "/api/uploads/status", 555, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminRoutes(t *testing.T) {
	f := newAPI(t)

	status, body := f.call(t, http.MethodGet, "/api/admin/quests", 555, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Access denied. Admin role required.", body["error"])

	require.NoError(t, f.db.Model(&models.User{}).Where("tg_id = ?", 555).Update("role", models.RoleAdmin).Error)

	status, body = f.call(t, http.MethodPost, "/api/admin/quests", 555, map[string]any{"name": "Red Flower", "reward": 10})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "red-flower", body["slug"])
	id := int64(body["id"].(float64))

	status, body = f.call(t, http.MethodPost, "/api/admin/quests", 555, map[string]any{"name": "Red Flower"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Already exist", body["message"])
	assert.EqualValues(t, id, body["id"])

	status, body = f.call(t, http.MethodPost, "/api/admin/quests", 555, map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "name must not be blank", body["error"])

	status, body = f.call(t, http.MethodPatch, fmt.Sprintf("/api/admin/quests/%d", id), 555, map[string]any{"difficulty": 3})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["difficulty"])
	assert.Equal(t, "Red Flower", body["name"])

	status, _ = f.call(t, http.MethodGet, fmt.Sprintf("/api/admin/quests/%d", id), 555, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.call(t, http.MethodDelete, fmt.Sprintf("/api/admin/quests/%d", id), 555, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = f.call(t, http.MethodGet, fmt.Sprintf("/api/admin/quests/%d", id), 555, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.call(t, http.MethodGet, "/api/admin/quests/abc", 555, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid quest id", body["error"])
}

func TestListQuestsMarksCompleted(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	_, _ = f.call(t, http.MethodPost, "/api/user", 555, nil)
	var user models.User
	require.NoError(t, f.db.Where("tg_id = ?", 555).First(&user).Error)

	quests := services.NewQuestService(f.db)
	flower, _, err := quests.Create(ctx, models.Quest{Name: "Red Flower"})
	require.NoError(t, err)
	_, _, err = quests.Create(ctx, models.Quest{Name: "Blue Door"})
	require.NoError(t, err)
	_, err = quests.RecordCompletion(ctx, models.VerificationTask{TaskID: "t1", ObjectKey: "k", UserID: user.ID, QuestID: &flower.ID})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/quests", nil)
	req.Header.Set("Authorization", "tma "+initData(555))
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, "Red Flower", list[0]["name"])
	assert.Equal(t, true, list[0]["completed"])
	assert.Equal(t, false, list[1]["completed"])
}

func TestInternalRoutesDisabledWithoutToken(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	SetupInternalRoutes(app, Deps{Verifications: &services.VerificationService{}})

	req := httptest.NewRequest(http.MethodPost, "/internal/verifications/x/status", bytes.NewBufferString(`{"state":"PROCESSING"}`))
	req.Header.Set("X-Service-Token", "anything")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func ptr[T any](v T) *T { return &v }
