package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studysync-app/studysync/internal/models"
	"github.com/studysync-app/studysync/internal/repositories"
	"github.com/studysync-app/studysync/internal/services"
)

const testSecret = "test-secret"

type testEnv struct {
	server     *httptest.Server
	records    *repositories.MemoryRecordRepository
	syncSvc    *services.SyncService
	backupSvc  *services.BackupService
	migrations *services.MigrationService
}

func newTestEnv(t *testing.T, steps []services.StructuralStep) *testEnv {
	t.Helper()

	feed := repositories.NewMemoryChangeFeed()
	records := repositories.NewMemoryRecordRepository(feed)
	listener := services.NewChangeListener(feed, zerolog.Nop())
	syncSvc := services.NewSyncService(records, listener, time.Second, zerolog.Nop())
	backupSvc := services.NewBackupService(records, repositories.NewMemoryBackupRepository(), syncSvc, zerolog.Nop())
	migrations, err := services.NewMigrationService(
		repositories.NewMemoryMigrationRepository(),
		records,
		steps,
		services.UserDataMigrations(),
		zerolog.Nop(),
	)
	require.NoError(t, err)

	handler := NewHandler(syncSvc, backupSvc, migrations, zerolog.Nop())
	server := httptest.NewServer(handler.Routes(NewAuthenticator(testSecret)))
	t.Cleanup(server.Close)

	return &testEnv{
		server:     server,
		records:    records,
		syncSvc:    syncSvc,
		backupSvc:  backupSvc,
		migrations: migrations,
	}
}

func signToken(t *testing.T, ownerID uuid.UUID, admin bool) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   ownerID.String(),
		"admin": admin,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestHandler_SaveAndStatus tests the online save round trip over HTTP
func TestHandler_SaveAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()
	token := signToken(t, ownerID, false)

	resp := env.do(t, http.MethodPost, "/sync/"+ownerID.String()+"/records", token, SaveRecordRequest{
		Category:     "progress",
		ID:           "lesson-1",
		Payload:      json.RawMessage(`{"score":80}`),
		OriginDevice: "tablet",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var record models.SyncRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	assert.Equal(t, "lesson-1", record.ID)
	assert.Positive(t, record.Version)

	resp = env.do(t, http.MethodGet, "/sync/"+ownerID.String()+"/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status models.SyncStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Online)
	assert.Zero(t, status.QueuedCount)
}

// TestHandler_SaveRejectsUnknownCategory tests request validation
func TestHandler_SaveRejectsUnknownCategory(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()
	token := signToken(t, ownerID, false)

	resp := env.do(t, http.MethodPost, "/sync/"+ownerID.String()+"/records", token, SaveRecordRequest{
		Category: "homework",
		Payload:  json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestHandler_RequiresToken tests that unauthenticated requests are rejected
func TestHandler_RequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()

	resp := env.do(t, http.MethodGet, "/sync/"+ownerID.String()+"/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestHandler_RejectsForeignOwner tests that a token cannot act on another
// owner's data
func TestHandler_RejectsForeignOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signToken(t, uuid.New(), false)

	resp := env.do(t, http.MethodGet, "/sync/"+uuid.New().String()+"/status", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestHandler_InitFlushShutdown tests the session lifecycle endpoints
func TestHandler_InitFlushShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()
	token := signToken(t, ownerID, false)

	resp := env.do(t, http.MethodPost, "/sync/"+ownerID.String()+"/init", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/sync/"+ownerID.String()+"/flush", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/sync/"+ownerID.String(), token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// TestHandler_BackupRestoreAccessDenied tests that restoring another owner's
// snapshot maps to 403
func TestHandler_BackupRestoreAccessDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()
	intruderID := uuid.New()

	_, err := env.syncSvc.Save(context.Background(), ownerID, models.CategoryProgress, "lesson-1", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	backup, err := env.backupSvc.CreateBackup(context.Background(), ownerID)
	require.NoError(t, err)

	intruderToken := signToken(t, intruderID, false)
	resp := env.do(t, http.MethodPost,
		fmt.Sprintf("/backups/%s/%s/restore", intruderID, backup.ID), intruderToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestHandler_BackupRestoreNotFound tests the missing-backup mapping
func TestHandler_BackupRestoreNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()
	token := signToken(t, ownerID, false)

	resp := env.do(t, http.MethodPost,
		fmt.Sprintf("/backups/%s/%s/restore", ownerID, uuid.New()), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestHandler_CreateBackup tests the snapshot endpoint
func TestHandler_CreateBackup(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()
	token := signToken(t, ownerID, false)

	_, err := env.syncSvc.Save(context.Background(), ownerID, models.CategoryProgress, "lesson-1", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/backups/"+ownerID.String(), token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var view BackupView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, ownerID, view.OwnerID)
	assert.Equal(t, 1, view.RecordCount)
}

// TestHandler_MigrationsRequireAdmin tests the operator gate on migration
// routes
func TestHandler_MigrationsRequireAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signToken(t, uuid.New(), false)

	resp := env.do(t, http.MethodGet, "/migrations", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestHandler_MigrationRunAndHistory tests the structural run flow over HTTP
func TestHandler_MigrationRunAndHistory(t *testing.T) {
	steps := []services.StructuralStep{{
		Version: 1,
		Name:    "create_tables",
		Apply:   func(ctx context.Context) error { return nil },
	}}
	env := newTestEnv(t, steps)
	admin := signToken(t, uuid.New(), true)

	resp := env.do(t, http.MethodGet, "/migrations", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var check models.MigrationCheck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.True(t, check.Needed)

	resp = env.do(t, http.MethodPost, "/migrations/run", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&check))
	assert.False(t, check.Needed)
	assert.Equal(t, 1, check.CurrentVersion)

	resp = env.do(t, http.MethodGet, "/migrations/history", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []models.MigrationRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCompleted, runs[0].Status)
}

// TestHandler_RollbackWithoutRevert tests the 409 mapping for irreversible
// steps
func TestHandler_RollbackWithoutRevert(t *testing.T) {
	steps := []services.StructuralStep{{
		Version: 1,
		Name:    "irreversible",
		Apply:   func(ctx context.Context) error { return nil },
	}}
	env := newTestEnv(t, steps)
	admin := signToken(t, uuid.New(), true)

	resp := env.do(t, http.MethodPost, "/migrations/run", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/migrations/rollback/1", admin, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// TestHandler_MigrateUserData tests the per-user backfill endpoint
func TestHandler_MigrateUserData(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()
	admin := signToken(t, uuid.New(), true)

	legacy := &models.SyncRecord{
		ID:       "lesson-1",
		OwnerID:  ownerID,
		Category: models.CategoryProgress,
		Payload:  json.RawMessage(`{}`),
		Version:  1700000000000,
	}
	require.NoError(t, env.records.Upsert(context.Background(), legacy))

	resp := env.do(t, http.MethodPost, "/migrations/users/"+ownerID.String(), admin, MigrateUserRequest{
		FromVersion: 0,
		ToVersion:   3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	migrated, err := env.records.Get(context.Background(), ownerID, models.CategoryProgress, "lesson-1")
	require.NoError(t, err)
	assert.Equal(t, "legacy", migrated.OriginDevice)
}

// TestHandler_InvalidToken tests signature verification
func TestHandler_InvalidToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerID := uuid.New()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": ownerID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/sync/"+ownerID.String()+"/status", signed, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
