package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"snapmap/models"
	"snapmap/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Quest{},
		&models.CompletedQuest{},
		&models.UserQuest{},
		&models.VerificationStatusRecord{},
		&models.VerificationResultRecord{},
	))
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// mockBlobStore is a testify mock of utils.BlobStore
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

func existing(etag string) utils.ObjectStatus {
	size := int64(1024)
	return utils.ObjectStatus{Exists: true, ETag: &etag, Size: &size}
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func float64Ptr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
