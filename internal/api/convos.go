package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// createConvoRequest is the body of POST /conversations.
type createConvoRequest struct {
	CipherSuite    string                `json:"cipher_suite"`
	Metadata       []byte                `json:"metadata,omitempty"`
	InitialMembers []initialMemberEntry  `json:"initial_members,omitempty"`
}

type initialMemberEntry struct {
	DeviceMLSDID string `json:"device_mls_did"`
}

// handleCreateConvo creates a conversation at epoch 0 with the caller's
// device as its first member and admin.
func (s *Server) handleCreateConvo(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if principal.DeviceMLSDID == "" {
		WriteServiceError(w, dserr.Forbidden("conversation creation requires a device-bound token"))
		return
	}

	var req createConvoRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if !s.suiteAllowed(req.CipherSuite) {
		WriteServiceError(w, dserr.Validation("cipher suite is not in the allow-list"))
		return
	}

	convoID := models.NewULID().String()
	deviceID, err := deviceIDOf(principal.DeviceMLSDID)
	if err != nil {
		WriteServiceError(w, dserr.Validation("malformed device identity"))
		return
	}

	err = s.Store.WithTx(r.Context(), func(tx pgx.Tx) error {
		if err := s.Store.CreateConversation(r.Context(), tx, models.Conversation{
			ID:          convoID,
			CreatorDID:  principal.DID,
			CipherSuite: req.CipherSuite,
			Metadata:    req.Metadata,
		}); err != nil {
			return err
		}

		// Creator is auto-promoted to admin at leaf 0.
		if err := s.Store.AddMember(r.Context(), tx, models.Member{
			ConversationID: convoID,
			DeviceMLSDID:   principal.DeviceMLSDID,
			UserDID:        principal.DID,
			DeviceID:       deviceID,
			LeafIndex:      0,
			IsAdmin:        true,
		}); err != nil {
			return err
		}

		leaf := int32(1)
		for _, entry := range req.InitialMembers {
			userDID, devID, err := models.SplitDeviceMLSDID(entry.DeviceMLSDID)
			if err != nil {
				return dserr.Validation("malformed initial member identity")
			}
			if err := s.Store.AddMember(r.Context(), tx, models.Member{
				ConversationID: convoID,
				DeviceMLSDID:   entry.DeviceMLSDID,
				UserDID:        userDID,
				DeviceID:       devID,
				LeafIndex:      leaf,
				PromoterDID:    principal.DID,
			}); err != nil {
				return err
			}
			leaf++
		}
		return nil
	})
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	s.Logger.Info("conversation created", slog.String("conversation", convoID))
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"conversation_id": convoID,
		"current_epoch":   0,
	})
}

// suiteAllowed checks the cipher-suite allow-list. Tags are opaque strings.
func (s *Server) suiteAllowed(suite string) bool {
	for _, allowed := range s.Config.Service.CipherSuites {
		if suite == allowed {
			return true
		}
	}
	return false
}

// messageResponse is the wire form of a stored message. There is no sender
// field: the server does not know who sent a ciphertext.
type messageResponse struct {
	ID              string    `json:"id"`
	MessageType     string    `json:"message_type"`
	Epoch           uint64    `json:"epoch"`
	Seq             uint64    `json:"seq"`
	Ciphertext      []byte    `json:"ciphertext"`
	ClientMessageID string    `json:"client_message_id"`
	DeclaredSize    int32     `json:"declared_size"`
	PaddedSize      int32     `json:"padded_size"`
	ReceivedBucket  time.Time `json:"received_bucket_ts"`
}

// gapInfo reports sequence holes inside a getMessages page, so clients can
// distinguish compaction gaps from missing deliveries.
type gapInfo struct {
	MissingSeqs []uint64 `json:"missing_seqs"`
	Total       int      `json:"total"`
}

// handleGetMessages returns messages in ascending (epoch, seq) order from an
// optional since_seq, bounded by the configured page cap.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")

	if err := s.requireActiveDevice(r, convoID, principal.DeviceMLSDID); err != nil {
		WriteServiceError(w, err)
		return
	}

	var sinceSeq uint64
	if v := r.URL.Query().Get("since_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteServiceError(w, dserr.Validation("since_seq must be a non-negative integer"))
			return
		}
		sinceSeq = n
	}

	limit := s.Config.Limits.GetMessagesMaxLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteServiceError(w, dserr.Validation("limit must be a positive integer"))
			return
		}
		if n < limit {
			limit = n
		}
	}

	messages, err := s.Store.ListMessages(r.Context(), s.Store.Pool, convoID, sinceSeq, limit)
	if err != nil {
		WriteServiceError(w, dserr.Internal(err))
		return
	}

	out := make([]messageResponse, 0, len(messages))
	lastSeq := sinceSeq
	for _, m := range messages {
		out = append(out, messageResponse{
			ID:              m.ID.String(),
			MessageType:     m.MessageType,
			Epoch:           m.Epoch,
			Seq:             m.Seq,
			Ciphertext:      m.Ciphertext,
			ClientMessageID: m.ClientMessageID,
			DeclaredSize:    m.DeclaredSize,
			PaddedSize:      m.PaddedSize,
			ReceivedBucket:  m.ReceivedBucket,
		})
		lastSeq = m.Seq
	}

	resp := map[string]interface{}{
		"messages": out,
		"last_seq": lastSeq,
	}
	if gaps := findGaps(sinceSeq, messages); gaps != nil {
		resp["gap_info"] = gaps
	}

	WriteJSON(w, http.StatusOK, resp)
}

// findGaps reports seq holes between sinceSeq and the page's tail. Gaps are
// expected after retention compaction, never from live traffic.
func findGaps(sinceSeq uint64, messages []models.Message) *gapInfo {
	if len(messages) == 0 {
		return nil
	}
	var missing []uint64
	next := sinceSeq + 1
	for _, m := range messages {
		for next < m.Seq {
			missing = append(missing, next)
			next++
		}
		next = m.Seq + 1
	}
	if len(missing) == 0 {
		return nil
	}
	return &gapInfo{MissingSeqs: missing, Total: len(missing)}
}

// reportMemberRequest is the body of POST /conversations/{id}/reports. The
// content is encrypted to the conversation's admins; the server stores it
// without interpretation.
type reportMemberRequest struct {
	ReportedDID string `json:"reported_did"`
	Content     []byte `json:"content"`
}

// handleReportMember stores an opaque encrypted member report.
func (s *Server) handleReportMember(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	convoID := chi.URLParam(r, "convoID")

	if err := s.requireActiveDevice(r, convoID, principal.DeviceMLSDID); err != nil {
		WriteServiceError(w, err)
		return
	}

	var req reportMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteServiceError(w, err)
		return
	}
	if req.ReportedDID == "" || len(req.Content) == 0 {
		WriteServiceError(w, dserr.Validation("reported_did and content are required"))
		return
	}

	report := models.MemberReport{
		ID:             models.NewULID(),
		ConversationID: convoID,
		ReportedDID:    req.ReportedDID,
		ReporterDID:    principal.DID,
		Content:        req.Content,
	}
	if err := s.Store.InsertReport(r.Context(), s.Store.Pool, report); err != nil {
		WriteServiceError(w, dserr.Internal(err))
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"report_id": report.ID.String()})
}

// requireActiveDevice checks that the device is an active member of the
// conversation, mapping absence to Forbidden and a missing conversation to
// NotFound.
func (s *Server) requireActiveDevice(r *http.Request, convoID, deviceMLSDID string) error {
	if deviceMLSDID == "" {
		return dserr.Forbidden("this operation requires a device-bound token")
	}
	if _, err := s.Store.GetConversation(r.Context(), s.Store.Pool, convoID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dserr.NotFound("conversation not found")
		}
		return dserr.Internal(err)
	}
	active, err := s.Store.IsActiveMember(r.Context(), s.Store.Pool, convoID, deviceMLSDID)
	if err != nil {
		return dserr.Internal(err)
	}
	if !active {
		return dserr.Forbidden("device is not an active member of this conversation")
	}
	return nil
}

// deviceIDOf extracts the device id from a device MLS DID.
func deviceIDOf(deviceMLSDID string) (string, error) {
	_, deviceID, err := models.SplitDeviceMLSDID(deviceMLSDID)
	return deviceID, err
}
