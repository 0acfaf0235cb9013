package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// publishKeyPackageRequest is the body of POST /key-packages.
type publishKeyPackageRequest struct {
	Data      []byte `json:"data"`
	ExpiresAt string `json:"expires_at,omitempty"` // RFC3339; default 30 days
}

// handlePublishKeyPackage appends a key package to the caller device's pool.
// Packages are content-addressed: the stored hash is the SHA-256 of the
// opaque bytes.
func (s *Server) handlePublishKeyPackage(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal.DeviceMLSDID == "" {
		WriteServiceError(w, dserr.Forbidden("publishing key packages requires a device-bound token"))
		return
	}

	var req publishKeyPackageRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if len(req.Data) == 0 {
		WriteServiceError(w, dserr.Validation("data is required"))
		return
	}

	expiresAt := time.Now().Add(30 * 24 * time.Hour)
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			WriteServiceError(w, dserr.Validation("expires_at must be RFC3339"))
			return
		}
		expiresAt = parsed
	}

	sum := sha256.Sum256(req.Data)
	hash := hex.EncodeToString(sum[:])

	inserted, err := s.Store.InsertKeyPackage(r.Context(), s.Store.Pool, models.KeyPackage{
		Hash:         hash,
		DeviceMLSDID: principal.DeviceMLSDID,
		Data:         req.Data,
		ExpiresAt:    expiresAt,
	}, s.Config.Limits.KeyPackageMaxPerDevice)
	if err != nil {
		if store.UniqueViolation(err, "") {
			WriteServiceError(w, dserr.Conflict("key package already published"))
			return
		}
		WriteServiceError(w, dserr.Internal(err))
		return
	}
	if !inserted {
		WriteServiceError(w, dserr.Conflict("key package pool is at its per-device cap"))
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"hash": hash})
}

// handleCountKeyPackages returns the available pool size for a device, so
// clients can keep their inventory topped up.
func (s *Server) handleCountKeyPackages(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "deviceMLSDID")

	count, err := s.Store.CountAvailableKeyPackages(r.Context(), s.Store.Pool, target)
	if err != nil {
		WriteServiceError(w, dserr.Internal(err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"available": count})
}

// consumeKeyPackageRequest optionally names the conversation the commit flow
// targets; the commit later binds the reservation to it.
type consumeKeyPackageRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleConsumeKeyPackage atomically reserves one key package of the target
// device for the caller's commit flow.
func (s *Server) handleConsumeKeyPackage(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "deviceMLSDID")

	var req consumeKeyPackageRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, err)
			return
		}
	}

	kp, err := s.Store.ConsumeOneKeyPackage(r.Context(), s.Store.Pool, target, req.ConversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteServiceError(w, dserr.NoAvailablePackage(target))
			return
		}
		WriteServiceError(w, dserr.Internal(err))
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"hash": kp.Hash,
		"data": kp.Data,
	})
}
