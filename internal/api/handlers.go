// Package api exposes the sync engine's operations as JSON endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/studysync-app/studysync/internal/models"
	"github.com/studysync-app/studysync/internal/repositories"
	"github.com/studysync-app/studysync/internal/services"
)

// Handler routes HTTP requests to the sync, backup, and migration services.
type Handler struct {
	sync       *services.SyncService
	backups    *services.BackupService
	migrations *services.MigrationService
	logger     zerolog.Logger
}

func NewHandler(
	sync *services.SyncService,
	backups *services.BackupService,
	migrations *services.MigrationService,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		sync:       sync,
		backups:    backups,
		migrations: migrations,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Routes builds the authenticated API router. Owner-scoped routes require
// the token subject to match the path owner; migration routes require an
// admin token.
func (h *Handler) Routes(auth *Authenticator) chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Verify)

	r.Route("/sync/{ownerID}", func(r chi.Router) {
		r.Use(RequireOwner)
		r.Post("/init", h.initializeSync)
		r.Post("/records", h.saveRecord)
		r.Post("/flush", h.flush)
		r.Get("/status", h.status)
		r.Delete("/", h.shutdown)
	})

	r.Route("/backups/{ownerID}", func(r chi.Router) {
		r.Use(RequireOwner)
		r.Post("/", h.createBackup)
		r.Post("/{backupID}/restore", h.restoreBackup)
	})

	r.Route("/migrations", func(r chi.Router) {
		r.Use(RequireAdmin)
		r.Get("/", h.checkMigrations)
		r.Post("/run", h.runMigrations)
		r.Post("/rollback/{version}", h.rollbackMigration)
		r.Post("/users/{ownerID}", h.migrateUserData)
		r.Get("/history", h.migrationHistory)
	})

	return r
}

func (h *Handler) initializeSync(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}

	if err := h.sync.Initialize(r.Context(), ownerID); err != nil {
		if errors.Is(err, models.ErrInitialization) {
			writeError(w, http.StatusServiceUnavailable, "initialization_failed", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

// SaveRecordRequest is the payload for POST /sync/{ownerID}/records. ID is
// optional; the engine assigns one when absent.
type SaveRecordRequest struct {
	Category     string          `json:"category"`
	ID           string          `json:"id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	OriginDevice string          `json:"origin_device"`
}

func (h *Handler) saveRecord(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}

	var req SaveRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	category := models.Category(req.Category)
	if !category.Valid() {
		writeError(w, http.StatusBadRequest, "validation_failed", "unknown category")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "payload is required")
		return
	}

	record, err := h.sync.Save(r.Context(), ownerID, category, req.ID, req.Payload, req.OriginDevice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	// A queued write is still accepted; the caller cannot distinguish it
	// from a committed one.
	writeJSON(w, http.StatusAccepted, record)
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}

	if err := h.sync.Flush(r.Context(), ownerID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.sync.Status(ownerID))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.sync.Status(ownerID))
}

func (h *Handler) shutdown(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}
	h.sync.Shutdown(ownerID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createBackup(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}

	backup, err := h.backups.CreateBackup(r.Context(), ownerID)
	if err != nil {
		var backupErr *models.BackupError
		if errors.As(err, &backupErr) {
			writeError(w, http.StatusServiceUnavailable, "backup_failed", backupErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, BackupView{
		ID:          backup.ID,
		OwnerID:     backup.OwnerID,
		Kind:        string(backup.Kind),
		RecordCount: backup.RecordCount(),
		CreatedAt:   backup.CreatedAt,
	})
}

// BackupView summarizes a backup without echoing the snapshot body.
type BackupView struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Kind        string    `json:"kind"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) restoreBackup(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}
	backupID, err := uuid.Parse(chi.URLParam(r, "backupID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid backup id")
		return
	}

	if err := h.backups.Restore(r.Context(), ownerID, backupID); err != nil {
		switch {
		case errors.Is(err, models.ErrAccessDenied):
			writeError(w, http.StatusForbidden, "access_denied", "backup belongs to another owner")
		case errors.Is(err, repositories.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "backup not found")
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (h *Handler) checkMigrations(w http.ResponseWriter, r *http.Request) {
	check, err := h.migrations.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *Handler) runMigrations(w http.ResponseWriter, r *http.Request) {
	if err := h.migrations.Run(r.Context()); err != nil {
		var failure *models.MigrationFailure
		if errors.As(err, &failure) {
			h.logger.Error().Err(failure).Int("version", failure.Version).Msg("structural migration failed")
			writeError(w, http.StatusInternalServerError, "migration_failed", failure.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	check, err := h.migrations.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *Handler) rollbackMigration(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid version")
		return
	}

	if err := h.migrations.Rollback(r.Context(), version); err != nil {
		switch {
		case errors.Is(err, models.ErrNoRollbackAvailable):
			writeError(w, http.StatusConflict, "rollback_unavailable", "this version cannot be reverted")
		default:
			var failure *models.MigrationFailure
			if errors.As(err, &failure) {
				writeError(w, http.StatusInternalServerError, "migration_failed", failure.Error())
				return
			}
			writeError(w, http.StatusConflict, "rollback_rejected", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

// MigrateUserRequest bounds the per-user migration range. FromVersion
// defaults to 0 (migrate everything up to ToVersion).
type MigrateUserRequest struct {
	FromVersion int `json:"from_version"`
	ToVersion   int `json:"to_version"`
}

func (h *Handler) migrateUserData(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerParam(w, r)
	if !ok {
		return
	}

	var req MigrateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.ToVersion < req.FromVersion || req.ToVersion < 1 {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid version range")
		return
	}

	if err := h.migrations.MigrateUserData(r.Context(), ownerID, req.FromVersion, req.ToVersion); err != nil {
		var failure *models.MigrationFailure
		if errors.As(err, &failure) {
			writeError(w, http.StatusInternalServerError, "migration_failed", failure.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

func (h *Handler) migrationHistory(w http.ResponseWriter, r *http.Request) {
	var ownerID *uuid.UUID
	if raw := r.URL.Query().Get("owner_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid owner_id filter")
			return
		}
		ownerID = &parsed
	}

	runs, err := h.migrations.History(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func ownerParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ownerID, err := uuid.Parse(chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid owner id")
		return uuid.Nil, false
	}
	return ownerID, true
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
