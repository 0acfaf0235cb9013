package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloakroom-chat/cloakroom/internal/actor"
	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// addMembersRequest is the body of POST /conversations/{id}/members. Each
// addition names the key package the proposer consumed and carries the
// Welcome generated against it.
type addMembersRequest struct {
	Epoch           uint64           `json:"epoch"`
	Commit          []byte           `json:"commit"`
	ClientMessageID string           `json:"client_message_id"`
	Additions       []memberAddition `json:"additions"`
}

type memberAddition struct {
	DeviceMLSDID   string `json:"device_mls_did"`
	KeyPackageHash string `json:"key_package_hash"`
	Welcome        []byte `json:"welcome"`
}

// handleAddMembers applies an Add commit: admin-only, atomic with key-package
// consumption and Welcome storage.
func (s *Server) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")

	var req addMembersRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if len(req.Commit) == 0 || len(req.Additions) == 0 {
		WriteServiceError(w, dserr.Validation("commit and additions are required"))
		return
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = models.NewULID().String()
	}

	if err := s.requireAdmin(r, convoID, principal.DID); err != nil {
		WriteServiceError(w, err)
		return
	}

	diff := actor.MembershipDiff{}
	var welcomes []actor.WelcomeDelivery
	var hashes []string
	for _, add := range req.Additions {
		userDID, deviceID, err := models.SplitDeviceMLSDID(add.DeviceMLSDID)
		if err != nil {
			WriteServiceError(w, dserr.Validation("malformed device identity in additions"))
			return
		}
		if add.KeyPackageHash == "" || len(add.Welcome) == 0 {
			WriteServiceError(w, dserr.Validation("each addition needs key_package_hash and welcome"))
			return
		}
		diff.Add = append(diff.Add, actor.MemberAdd{
			DeviceMLSDID:   add.DeviceMLSDID,
			UserDID:        userDID,
			DeviceID:       deviceID,
			KeyPackageHash: add.KeyPackageHash,
		})
		welcomes = append(welcomes, actor.WelcomeDelivery{
			RecipientDID:   add.DeviceMLSDID,
			KeyPackageHash: add.KeyPackageHash,
			WelcomeData:    add.Welcome,
		})
		hashes = append(hashes, add.KeyPackageHash)
	}

	res := s.Registry.SendCommit(convoID, actor.SendCommit{
		Epoch:           req.Epoch,
		CommitData:      req.Commit,
		ClientMessageID: req.ClientMessageID,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		ProducerDID:     principal.DID,
		Welcomes:        welcomes,
		ConsumedHashes:  hashes,
		Diff:            diff,
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

// removeMemberRequest is the body of DELETE .../members/{deviceMLSDID}.
type removeMemberRequest struct {
	Epoch           uint64 `json:"epoch"`
	Commit          []byte `json:"commit"`
	ClientMessageID string `json:"client_message_id"`
}

// handleRemoveMember applies a Remove commit with last-admin protection.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")
	target := chi.URLParam(r, "deviceMLSDID")

	var req removeMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if len(req.Commit) == 0 {
		WriteServiceError(w, dserr.Validation("commit is required"))
		return
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = models.NewULID().String()
	}

	if err := s.requireAdmin(r, convoID, principal.DID); err != nil {
		WriteServiceError(w, err)
		return
	}
	if err := s.guardLastAdminRemoval(r, convoID, target); err != nil {
		WriteServiceError(w, err)
		return
	}

	res := s.Registry.SendCommit(convoID, actor.SendCommit{
		Epoch:           req.Epoch,
		CommitData:      req.Commit,
		ClientMessageID: req.ClientMessageID,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		ProducerDID:     principal.DID,
		Diff:            actor.MembershipDiff{Remove: []string{target}},
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

// guardLastAdminRemoval refuses to remove the last device of the last admin.
func (s *Server) guardLastAdminRemoval(r *http.Request, convoID, target string) error {
	member, err := s.Store.GetMember(r.Context(), s.Store.Pool, convoID, target)
	if err != nil {
		return dserr.EpochConflict("removal target is not a member")
	}
	if !member.IsAdmin || !member.Active() {
		return nil
	}
	otherAdmins, err := s.Store.CountActiveAdminsExcluding(r.Context(), s.Store.Pool, convoID, member.UserDID)
	if err != nil {
		return dserr.Internal(err)
	}
	if otherAdmins > 0 {
		return nil
	}
	// The target's user is the only admin: removal is allowed only while
	// another of their devices stays active.
	members, err := s.Store.ListActiveMembers(r.Context(), s.Store.Pool, convoID)
	if err != nil {
		return dserr.Internal(err)
	}
	for _, m := range members {
		if m.UserDID == member.UserDID && m.DeviceMLSDID != target {
			return nil
		}
	}
	return dserr.Forbidden("cannot remove the last admin")
}

// adminChangeRequest is the body of promote/demote admin calls. The commit
// carries the encrypted admin roster update for the members.
type adminChangeRequest struct {
	Epoch           uint64 `json:"epoch"`
	Commit          []byte `json:"commit"`
	ClientMessageID string `json:"client_message_id"`
}

// handlePromoteAdmin grants the admin flag to a user's active devices.
func (s *Server) handlePromoteAdmin(w http.ResponseWriter, r *http.Request) {
	s.handleAdminChange(w, r, true)
}

// handleDemoteAdmin removes the admin flag with last-admin protection.
func (s *Server) handleDemoteAdmin(w http.ResponseWriter, r *http.Request) {
	s.handleAdminChange(w, r, false)
}

func (s *Server) handleAdminChange(w http.ResponseWriter, r *http.Request, promote bool) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")
	targetUser := chi.URLParam(r, "userDID")

	var req adminChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if len(req.Commit) == 0 {
		WriteServiceError(w, dserr.Validation("commit is required"))
		return
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = models.NewULID().String()
	}

	if err := s.requireAdmin(r, convoID, principal.DID); err != nil {
		WriteServiceError(w, err)
		return
	}

	diff := actor.MembershipDiff{}
	if promote {
		diff.PromoteUser = targetUser
	} else {
		diff.DemoteUser = targetUser
	}

	res := s.Registry.SendCommit(convoID, actor.SendCommit{
		Epoch:           req.Epoch,
		CommitData:      req.Commit,
		ClientMessageID: req.ClientMessageID,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		ProducerDID:     principal.DID,
		Diff:            diff,
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

// requireAdmin checks that the user holds an active admin membership.
func (s *Server) requireAdmin(r *http.Request, convoID, userDID string) error {
	admin, err := s.Store.IsActiveAdmin(r.Context(), s.Store.Pool, convoID, userDID)
	if err != nil {
		return dserr.Internal(err)
	}
	if !admin {
		return dserr.Forbidden("this operation requires conversation admin")
	}
	return nil
}
