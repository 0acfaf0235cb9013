package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloakroom-chat/cloakroom/internal/actor"
	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// sendMessageRequest is the body of POST /conversations/{id}/messages.
// Declared and padded sizes are client-chosen traffic-shaping values the
// server preserves without re-padding.
type sendMessageRequest struct {
	Epoch           uint64 `json:"epoch"`
	Ciphertext      []byte `json:"ciphertext"`
	ClientMessageID string `json:"client_message_id"`
	DeclaredSize    int32  `json:"declared_size"`
	PaddedSize      int32  `json:"padded_size"`
}

// handleSendMessage validates the payload and routes it to the conversation's
// epoch actor, which assigns the authoritative (epoch, seq) position.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}

	if len(req.Ciphertext) == 0 {
		WriteServiceError(w, dserr.Validation("ciphertext is required"))
		return
	}
	if len(req.Ciphertext) > s.Config.Limits.MaxCiphertextBytes {
		WriteServiceError(w, dserr.PayloadTooLarge("ciphertext exceeds the configured ceiling"))
		return
	}
	if _, err := models.ParseULID(req.ClientMessageID); err != nil {
		WriteServiceError(w, dserr.Validation("client_message_id must be a ULID"))
		return
	}

	// The verified device must be an active member; the message row itself
	// never records which member sent it.
	if err := s.requireActiveDevice(r, convoID, principal.DeviceMLSDID); err != nil {
		WriteServiceError(w, err)
		return
	}

	res := s.Registry.SendApp(convoID, actor.SendApp{
		Epoch:           req.Epoch,
		Ciphertext:      req.Ciphertext,
		ClientMessageID: req.ClientMessageID,
		DeclaredSize:    req.DeclaredSize,
		PaddedSize:      req.PaddedSize,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	if res.Err != nil {
		s.countOrderingFailure(res.Err)
		WriteServiceError(w, res.Err)
		return
	}

	if s.Metrics != nil {
		s.Metrics.MessagesAccepted.Inc()
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"seq":                res.Seq,
		"epoch":              res.Epoch,
		"received_bucket_ts": res.ReceivedBucket,
	})
}

// countOrderingFailure feeds the ordering-conflict counters.
func (s *Server) countOrderingFailure(err error) {
	if s.Metrics == nil {
		return
	}
	switch {
	case dserr.IsKind(err, dserr.KindStaleEpoch):
		s.Metrics.StaleEpochRejects.Inc()
	case dserr.IsKind(err, dserr.KindEpochConflict):
		s.Metrics.EpochConflicts.Inc()
	}
}
