package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// registerDeviceRequest is the body of POST /devices.
type registerDeviceRequest struct {
	Name         string `json:"name,omitempty"`
	SignatureKey []byte `json:"signature_key"`
}

// handleRegisterDevice creates a device identity for the verified user and
// announces it for auto-rejoin in every conversation the user belongs to.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if len(req.SignatureKey) == 0 {
		WriteServiceError(w, dserr.Validation("signature_key is required"))
		return
	}

	deviceID := uuid.NewString()
	deviceMLSDID := models.DeviceMLSDID(principal.DID, deviceID)

	err := s.Store.CreateDevice(r.Context(), s.Store.Pool, models.Device{
		UserDID:      principal.DID,
		DeviceID:     deviceID,
		DeviceMLSDID: deviceMLSDID,
		Name:         req.Name,
		SignatureKey: req.SignatureKey,
	})
	if err != nil {
		if store.UniqueViolation(err, "") {
			// One signature key per device: reusing a key across devices of
			// the same user is rejected.
			WriteServiceError(w, dserr.Conflict("signature key is already registered for this user"))
			return
		}
		WriteServiceError(w, dserr.Internal(err))
		return
	}

	// A fresh device cannot decrypt existing conversations; ask online peers
	// to generate Welcomes for it.
	notified, err := s.Rejoin.AnnounceNewDevice(r.Context(), principal.DID, deviceMLSDID)
	if err != nil {
		s.Logger.Warn("auto-rejoin announce failed",
			slog.String("device", deviceMLSDID),
			slog.String("error", err.Error()),
		)
	}

	s.Logger.Info("device registered",
		slog.String("user", principal.DID),
		slog.String("device", deviceID),
		slog.Int("rejoin_conversations", notified),
	)
	WriteJSON(w, http.StatusCreated, map[string]string{
		"device_id":      deviceID,
		"device_mls_did": deviceMLSDID,
	})
}

// pushTokenRequest is the body of POST /devices/{id}/push-token. The token is
// the opaque JSON of the device's push subscription.
type pushTokenRequest struct {
	PushToken string `json:"push_token"`
}

// handleRegisterDeviceToken registers a device's push subscription.
func (s *Server) handleRegisterDeviceToken(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	var req pushTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if req.PushToken == "" {
		WriteServiceError(w, dserr.Validation("push_token is required"))
		return
	}

	ok, err := s.Store.SetPushToken(r.Context(), s.Store.Pool, principal.DID, deviceID, req.PushToken)
	if err != nil {
		WriteServiceError(w, dserr.Internal(err))
		return
	}
	if !ok {
		WriteServiceError(w, dserr.NotFound("device not found"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// handleUnregisterDeviceToken removes a device's push subscription.
func (s *Server) handleUnregisterDeviceToken(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	ok, err := s.Store.ClearPushToken(r.Context(), s.Store.Pool, principal.DID, deviceID)
	if err != nil {
		WriteServiceError(w, dserr.Internal(err))
		return
	}
	if !ok {
		WriteServiceError(w, dserr.NotFound("device not found"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}
