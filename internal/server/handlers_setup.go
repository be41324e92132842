package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/auth"
	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// HandleHealth handles GET /health: process liveness only.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// componentCheck is one dependency probe in the readiness response.
type componentCheck struct {
	Status         string `json:"status"` // up, degraded, down
	ResponseTimeMS int64  `json:"responseTimeMs"`
}

// degradedThreshold marks a slow-but-alive dependency.
const degradedThreshold = time.Second

// HandleReady handles GET /ready: DB, storage, and queue probes. Any down
// component makes the whole response 503.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	components := h.componentChecks(r)

	status := http.StatusOK
	for _, c := range components {
		if c.Status == "down" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]any{"components": components})
}

func (h *Handlers) componentChecks(r *http.Request) map[string]componentCheck {
	ctx := r.Context()
	return map[string]componentCheck{
		"database": probe(func() error { return h.db.Ping(ctx) }),
		"storage":  probe(func() error { return h.store.HealthCheck(ctx) }),
		"queue":    probe(func() error { return h.queue.HealthCheck(ctx) }),
	}
}

func probe(check func() error) componentCheck {
	start := time.Now()
	err := check()
	elapsed := time.Since(start)

	c := componentCheck{ResponseTimeMS: elapsed.Milliseconds()}
	switch {
	case err != nil:
		c.Status = "down"
	case elapsed > degradedThreshold:
		c.Status = "degraded"
	default:
		c.Status = "up"
	}
	return c
}

// HandleSetupStatus handles GET /api/v1/setup/status.
func (h *Handlers) HandleSetupStatus(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.GetInstanceSettings(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": settings.Initialized})
}

// errSetupRaced marks an initialize that lost the settings write to a
// concurrent setup attempt.
var errSetupRaced = errors.New("server: instance initialized concurrently")

// HandleSetupInitialize handles POST /api/v1/setup/initialize. Validates the
// storage backend with a write+read+delete probe, then writes settings and
// creates the first admin in one transaction. The settings write is guarded
// on the stored initialized flag, so of two concurrent attempts exactly one
// commits; repeats and losers get a 409.
func (h *Handlers) HandleSetupInitialize(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.GetInstanceSettings(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if settings.Initialized {
		writeError(w, http.StatusConflict, model.ErrCodeAlreadyInitialized, "instance is already initialized")
		return
	}

	var req model.SetupRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.AdminEmail == "" || req.AdminName == "" || req.AdminPassword == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "admin email, name, and password are required")
		return
	}
	if len(req.AdminPassword) < 12 {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "admin password must be at least 12 characters")
		return
	}
	if req.StorageBackend != "local" && req.StorageBackend != "s3" {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "storage_backend must be local or s3")
		return
	}

	if err := h.probeStorage(r); err != nil {
		h.logger.Error("setup storage probe failed", "error", err)
		writeError(w, http.StatusBadRequest, model.ErrCodeStorageError, "storage probe failed: "+err.Error())
		return
	}

	hash, err := auth.HashPassword(req.AdminPassword)
	if err != nil {
		h.logger.Error("password hash failed", "error", err)
		respondError(w, err)
		return
	}

	settings.InstanceName = req.InstanceName
	settings.InstanceURL = req.InstanceURL
	settings.SupportEmail = req.SupportEmail
	settings.StorageBackend = req.StorageBackend
	settings.StorageConfig = req.StorageConfig
	settings.Initialized = true

	var admin model.User
	err = h.db.WithTx(r.Context(), func(tx *storage.DB) error {
		admin, err = tx.CreateUser(r.Context(), model.User{
			Email:        req.AdminEmail,
			Name:         req.AdminName,
			Role:         model.RoleAdmin,
			PasswordHash: &hash,
			Active:       true,
		})
		if err != nil {
			return err
		}
		saved, err := tx.SaveInstanceSettingsIfUninitialized(r.Context(), settings)
		if err != nil {
			return err
		}
		if !saved {
			return errSetupRaced
		}
		return nil
	})
	if errors.Is(err, errSetupRaced) {
		writeError(w, http.StatusConflict, model.ErrCodeAlreadyInitialized, "instance is already initialized")
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}

	id := admin.ID.String()
	h.recordAudit(r, "setup.initialize", "instance_settings", nil, true, nil, map[string]any{
		"admin_id": id,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"initialized": true,
		"admin":       admin,
	})
}

// probeStorage verifies the configured backend with a full write, read-back,
// and delete cycle before setup commits to it.
func (h *Handlers) probeStorage(r *http.Request) error {
	key := "setup/.probe-" + uuid.New().String()
	payload := []byte("bugspotter-setup-probe")

	if _, err := h.store.Put(r.Context(), key, bytes.NewReader(payload), "text/plain"); err != nil {
		return err
	}
	rc, err := h.store.GetObject(r.Context(), key)
	if err != nil {
		return err
	}
	read, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return err
	}
	if !bytes.Equal(read, payload) {
		return fmt.Errorf("server: storage probe read back %d bytes, wanted %d", len(read), len(payload))
	}
	return h.store.DeleteObject(r.Context(), key)
}
