package store

import (
	"context"
	"fmt"

	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// CreateDevice registers a device identity. Uniqueness of the device MLS DID
// and of (user, signature key) is enforced by the schema.
func (s *Store) CreateDevice(ctx context.Context, q Querier, d models.Device) error {
	_, err := q.Exec(ctx,
		`INSERT INTO devices (user_did, device_id, device_mls_did, name, signature_key, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, now())`,
		d.UserDID, d.DeviceID, d.DeviceMLSDID, d.Name, d.SignatureKey,
	)
	if err != nil {
		return fmt.Errorf("creating device %s: %w", d.DeviceMLSDID, err)
	}
	return nil
}

// GetDeviceByMLSDID returns a device by its composite identity.
func (s *Store) GetDeviceByMLSDID(ctx context.Context, q Querier, deviceMLSDID string) (models.Device, error) {
	var d models.Device
	err := q.QueryRow(ctx,
		`SELECT user_did, device_id, device_mls_did, COALESCE(name, ''), signature_key,
		        push_token, last_seen, created_at
		 FROM devices WHERE device_mls_did = $1`,
		deviceMLSDID,
	).Scan(&d.UserDID, &d.DeviceID, &d.DeviceMLSDID, &d.Name, &d.SignatureKey,
		&d.PushToken, &d.LastSeen, &d.CreatedAt)
	if err != nil {
		return models.Device{}, err
	}
	return d, nil
}

// SetPushToken registers or replaces a device's push token.
func (s *Store) SetPushToken(ctx context.Context, q Querier, userDID, deviceID, token string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE devices SET push_token = $3 WHERE user_did = $1 AND device_id = $2`,
		userDID, deviceID, token,
	)
	if err != nil {
		return false, fmt.Errorf("setting push token for %s/%s: %w", userDID, deviceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearPushToken removes a device's push token.
func (s *Store) ClearPushToken(ctx context.Context, q Querier, userDID, deviceID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE devices SET push_token = NULL WHERE user_did = $1 AND device_id = $2`,
		userDID, deviceID,
	)
	if err != nil {
		return false, fmt.Errorf("clearing push token for %s/%s: %w", userDID, deviceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearPushTokenByValue drops a push token wherever it is registered. Used
// when the push provider reports the subscription gone.
func (s *Store) ClearPushTokenByValue(ctx context.Context, q Querier, token string) error {
	if _, err := q.Exec(ctx,
		`UPDATE devices SET push_token = NULL WHERE push_token = $1`, token,
	); err != nil {
		return fmt.Errorf("dropping dead push token: %w", err)
	}
	return nil
}

// TouchLastSeen updates a device's last-seen timestamp.
func (s *Store) TouchLastSeen(ctx context.Context, q Querier, deviceMLSDID string) error {
	if _, err := q.Exec(ctx,
		`UPDATE devices SET last_seen = now() WHERE device_mls_did = $1`, deviceMLSDID,
	); err != nil {
		return fmt.Errorf("touching last seen for %s: %w", deviceMLSDID, err)
	}
	return nil
}

// FanoutTarget is a recipient device for one conversation event.
type FanoutTarget struct {
	DeviceMLSDID string
	PushToken    *string
}

// ListFanoutTargets returns every active member device of a conversation with
// its optional push token.
func (s *Store) ListFanoutTargets(ctx context.Context, q Querier, convoID string) ([]FanoutTarget, error) {
	rows, err := q.Query(ctx,
		`SELECT m.device_mls_did, d.push_token
		 FROM members m
		 JOIN devices d ON d.device_mls_did = m.device_mls_did
		 WHERE m.conversation_id = $1 AND m.left_at IS NULL`,
		convoID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing fan-out targets for %s: %w", convoID, err)
	}
	defer rows.Close()

	var targets []FanoutTarget
	for rows.Next() {
		var t FanoutTarget
		if err := rows.Scan(&t.DeviceMLSDID, &t.PushToken); err != nil {
			return nil, fmt.Errorf("scanning fan-out target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// InsertReport stores an opaque encrypted member report.
func (s *Store) InsertReport(ctx context.Context, q Querier, r models.MemberReport) error {
	_, err := q.Exec(ctx,
		`INSERT INTO member_reports (id, conversation_id, reported_did, reporter_did, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		r.ID, r.ConversationID, r.ReportedDID, r.ReporterDID, r.Content,
	)
	if err != nil {
		return fmt.Errorf("inserting report %s: %w", r.ID, err)
	}
	return nil
}
