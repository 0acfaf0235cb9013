package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/actor"
	"github.com/cloakroom-chat/cloakroom/internal/dserr"
)

// handleMarkNeedsRejoin flags the caller's device as state-lost; the epoch
// actor records the flag and broadcasts a generate_welcome_for event so any
// online member can answer with a fresh Welcome.
func (s *Server) handleMarkNeedsRejoin(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")

	if principal.DeviceMLSDID == "" {
		WriteServiceError(w, dserr.Forbidden("rejoin requires a device-bound token"))
		return
	}

	if err := s.Registry.MarkNeedsRejoin(convoID, principal.DeviceMLSDID); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "rejoin_requested"})
}

// deliverWelcomeRequest is the body of POST /conversations/{id}/welcome. The
// producer is any online member answering a rejoin broadcast.
type deliverWelcomeRequest struct {
	RecipientDeviceMLSDID string `json:"recipient_device_mls_did"`
	KeyPackageHash        string `json:"key_package_hash"`
	Welcome               []byte `json:"welcome"`
	Commit                []byte `json:"commit"`
}

// handleDeliverWelcome routes a peer-produced Welcome through the epoch
// actor, which applies it as a standard commit.
func (s *Server) handleDeliverWelcome(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")

	var req deliverWelcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if req.RecipientDeviceMLSDID == "" || req.KeyPackageHash == "" ||
		len(req.Welcome) == 0 || len(req.Commit) == 0 {
		WriteServiceError(w, dserr.Validation("recipient_device_mls_did, key_package_hash, welcome, and commit are required"))
		return
	}

	// Any active member is a valid producer; the member list is the
	// authoritative source of who may help a device rejoin.
	if err := s.requireActiveDevice(r, convoID, principal.DeviceMLSDID); err != nil {
		WriteServiceError(w, err)
		return
	}

	res := s.Registry.DeliverWelcome(convoID, actor.DeliverWelcome{
		RecipientDID:   req.RecipientDeviceMLSDID,
		KeyPackageHash: req.KeyPackageHash,
		WelcomeData:    req.Welcome,
		CommitData:     req.Commit,
		ProducerDID:    principal.DID,
	})
	if res.Err != nil {
		s.countOrderingFailure(res.Err)
		WriteServiceError(w, res.Err)
		return
	}

	if s.Metrics != nil {
		s.Metrics.CommitsAccepted.Inc()
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"epoch": res.Epoch, "seq": res.Seq})
}

// handleGetWelcome serves the pending Welcome for the caller's device.
// Fetches are idempotent within the grace window; past it the fetch returns
// Gone, and the retention worker finalizes the key package.
func (s *Server) handleGetWelcome(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")

	if principal.DeviceMLSDID == "" {
		WriteServiceError(w, dserr.Forbidden("fetching a welcome requires a device-bound token"))
		return
	}

	grace, err := s.Config.Retention.WelcomeGraceParsed()
	if err != nil {
		WriteServiceError(w, dserr.Internal(err))
		return
	}

	welcome, graceExpired, err := s.Store.FetchWelcome(r.Context(), s.Store.Pool, convoID, principal.DeviceMLSDID, grace)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteServiceError(w, dserr.NotFound("no pending welcome for this device"))
			return
		}
		WriteServiceError(w, dserr.Internal(err))
		return
	}
	if graceExpired {
		WriteServiceError(w, dserr.Gone("welcome is past its grace window"))
		return
	}

	if s.Metrics != nil {
		s.Metrics.WelcomesServed.Inc()
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"welcome":          welcome.WelcomeData,
		"commit":           welcome.CommitData,
		"key_package_hash": welcome.KeyPackageHash,
	})
}

// handleConsumeWelcome is the client's success signal after it persisted the
// fetched Welcome locally: the Welcome and its key package are finalized as
// consumed in one transaction, ending the grace window early.
func (s *Server) handleConsumeWelcome(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")

	if principal.DeviceMLSDID == "" {
		WriteServiceError(w, dserr.Forbidden("consuming a welcome requires a device-bound token"))
		return
	}

	err := s.Store.WithTx(r.Context(), func(tx pgx.Tx) error {
		return s.Store.MarkWelcomeConsumed(r.Context(), tx, convoID, principal.DeviceMLSDID)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteServiceError(w, dserr.NotFound("no pending welcome for this device"))
			return
		}
		WriteServiceError(w, dserr.Internal(err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "consumed"})
}
