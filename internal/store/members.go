package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// AddMember inserts a member row, or reactivates a previously departed one.
// Rejoining devices keep a single row: left_at is cleared and the leaf index
// reassigned.
func (s *Store) AddMember(ctx context.Context, q Querier, m models.Member) error {
	_, err := q.Exec(ctx,
		`INSERT INTO members (conversation_id, device_mls_did, user_did, device_id, leaf_index, is_admin, promoter_did, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), now())
		 ON CONFLICT (conversation_id, device_mls_did) DO UPDATE SET
		   left_at = NULL,
		   leaf_index = EXCLUDED.leaf_index,
		   needs_rejoin = false,
		   rejoin_requested_at = NULL,
		   promoter_did = EXCLUDED.promoter_did`,
		m.ConversationID, m.DeviceMLSDID, m.UserDID, m.DeviceID, m.LeafIndex, m.IsAdmin, m.PromoterDID,
	)
	if err != nil {
		return fmt.Errorf("adding member %s to %s: %w", m.DeviceMLSDID, m.ConversationID, err)
	}
	return nil
}

// RemoveMember marks a member as departed. Returns false if the member was
// not active.
func (s *Store) RemoveMember(ctx context.Context, q Querier, convoID, deviceMLSDID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE members SET left_at = now()
		 WHERE conversation_id = $1 AND device_mls_did = $2 AND left_at IS NULL`,
		convoID, deviceMLSDID,
	)
	if err != nil {
		return false, fmt.Errorf("removing member %s from %s: %w", deviceMLSDID, convoID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetMember returns the member row regardless of active state.
func (s *Store) GetMember(ctx context.Context, q Querier, convoID, deviceMLSDID string) (models.Member, error) {
	var m models.Member
	err := q.QueryRow(ctx,
		`SELECT conversation_id, device_mls_did, user_did, device_id, leaf_index, is_admin,
		        COALESCE(promoter_did, ''), needs_rejoin, joined_at, left_at
		 FROM members WHERE conversation_id = $1 AND device_mls_did = $2`,
		convoID, deviceMLSDID,
	).Scan(&m.ConversationID, &m.DeviceMLSDID, &m.UserDID, &m.DeviceID, &m.LeafIndex,
		&m.IsAdmin, &m.PromoterDID, &m.NeedsRejoin, &m.JoinedAt, &m.LeftAt)
	if err != nil {
		return models.Member{}, err
	}
	return m, nil
}

// ListActiveMembers returns the active members of a conversation ordered by
// leaf index.
func (s *Store) ListActiveMembers(ctx context.Context, q Querier, convoID string) ([]models.Member, error) {
	rows, err := q.Query(ctx,
		`SELECT conversation_id, device_mls_did, user_did, device_id, leaf_index, is_admin,
		        COALESCE(promoter_did, ''), needs_rejoin, joined_at, left_at
		 FROM members WHERE conversation_id = $1 AND left_at IS NULL
		 ORDER BY leaf_index`,
		convoID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", convoID, err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ConversationID, &m.DeviceMLSDID, &m.UserDID, &m.DeviceID, &m.LeafIndex,
			&m.IsAdmin, &m.PromoterDID, &m.NeedsRejoin, &m.JoinedAt, &m.LeftAt); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// IsActiveMember reports whether the device is an active member.
func (s *Store) IsActiveMember(ctx context.Context, q Querier, convoID, deviceMLSDID string) (bool, error) {
	var active bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members
		  WHERE conversation_id = $1 AND device_mls_did = $2 AND left_at IS NULL)`,
		convoID, deviceMLSDID,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("checking membership of %s: %w", deviceMLSDID, err)
	}
	return active, nil
}

// IsActiveAdmin reports whether any of the user's devices holds an active
// admin membership. Admin status attaches to the user, checked through any
// of their member devices.
func (s *Store) IsActiveAdmin(ctx context.Context, q Querier, convoID, userDID string) (bool, error) {
	var admin bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM members
		  WHERE conversation_id = $1 AND user_did = $2 AND is_admin AND left_at IS NULL)`,
		convoID, userDID,
	).Scan(&admin)
	if err != nil {
		return false, fmt.Errorf("checking admin of %s: %w", userDID, err)
	}
	return admin, nil
}

// CountActiveAdminsExcluding counts active admin users other than the given
// user. Used for last-admin protection before removals and demotions.
func (s *Store) CountActiveAdminsExcluding(ctx context.Context, q Querier, convoID, userDID string) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_did) FROM members
		 WHERE conversation_id = $1 AND is_admin AND left_at IS NULL AND user_did <> $2`,
		convoID, userDID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting admins of %s: %w", convoID, err)
	}
	return n, nil
}

// SetAdmin flips the admin flag on all of a user's active member devices.
func (s *Store) SetAdmin(ctx context.Context, q Querier, convoID, userDID, promoterDID string, admin bool) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE members SET is_admin = $1, promoter_did = $2
		 WHERE conversation_id = $3 AND user_did = $4 AND left_at IS NULL`,
		admin, promoterDID, convoID, userDID,
	)
	if err != nil {
		return false, fmt.Errorf("setting admin=%v for %s: %w", admin, userDID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// NextLeafIndex returns one past the highest leaf index held by an active
// member, or 0 when there is none. Gaps below that index are not reused.
func (s *Store) NextLeafIndex(ctx context.Context, q Querier, convoID string) (int32, error) {
	var next int32
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(leaf_index) + 1, 0) FROM members
		 WHERE conversation_id = $1 AND left_at IS NULL`,
		convoID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("computing next leaf index for %s: %w", convoID, err)
	}
	return next, nil
}

// SetNeedsRejoin flags an active member as waiting for a peer-generated
// Welcome. Returns false when the member is not active.
func (s *Store) SetNeedsRejoin(ctx context.Context, q Querier, convoID, deviceMLSDID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE members SET needs_rejoin = true, rejoin_requested_at = now()
		 WHERE conversation_id = $1 AND device_mls_did = $2 AND left_at IS NULL`,
		convoID, deviceMLSDID,
	)
	if err != nil {
		return false, fmt.Errorf("flagging rejoin for %s: %w", deviceMLSDID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearNeedsRejoin drops the rejoin flag once a Welcome is waiting.
func (s *Store) ClearNeedsRejoin(ctx context.Context, q Querier, convoID, deviceMLSDID string) error {
	if _, err := q.Exec(ctx,
		`UPDATE members SET needs_rejoin = false, rejoin_requested_at = NULL
		 WHERE conversation_id = $1 AND device_mls_did = $2`,
		convoID, deviceMLSDID,
	); err != nil {
		return fmt.Errorf("clearing rejoin flag for %s: %w", deviceMLSDID, err)
	}
	return nil
}

// ExpireRejoinRequests clears needs_rejoin flags older than the TTL and
// returns how many were dropped. The device must repeat the request.
func (s *Store) ExpireRejoinRequests(ctx context.Context, q Querier, ttl time.Duration) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE members SET needs_rejoin = false, rejoin_requested_at = NULL
		 WHERE needs_rejoin AND rejoin_requested_at < now() - $1::interval`,
		ttl,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring rejoin requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeviceConversations returns the conversation ids where the device is
// an active member. Seeds a subscription's membership filter.
func (s *Store) ListDeviceConversations(ctx context.Context, q Querier, deviceMLSDID string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT conversation_id FROM members
		 WHERE device_mls_did = $1 AND left_at IS NULL`,
		deviceMLSDID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing conversations of device %s: %w", deviceMLSDID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUserConversations returns the conversation ids where any of the user's
// devices is an active member. Used to trigger auto-rejoin when a user
// registers a fresh device.
func (s *Store) ListUserConversations(ctx context.Context, q Querier, userDID string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT DISTINCT conversation_id FROM members
		 WHERE user_did = $1 AND left_at IS NULL`,
		userDID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing conversations of %s: %w", userDID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
