package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// AppendEvent writes a routing envelope to the event stream. Envelopes carry
// only (cursor, conversation, kind, entity id) — never ciphertext or sender.
func (s *Store) AppendEvent(ctx context.Context, q Querier, e models.StreamEvent) error {
	_, err := q.Exec(ctx,
		`INSERT INTO event_stream (cursor, conversation_id, kind, entity_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), now())`,
		e.Cursor, e.ConversationID, e.Kind, e.EntityID,
	)
	if err != nil {
		return fmt.Errorf("appending event %s: %w", e.Cursor, err)
	}
	return nil
}

// ListEventsSince returns envelopes with cursor strictly greater than since,
// in cursor order, limited to the conversations the device can see. An empty
// since scans from the beginning of retention.
func (s *Store) ListEventsSince(ctx context.Context, q Querier, deviceMLSDID, since string, limit int) ([]models.StreamEvent, error) {
	rows, err := q.Query(ctx,
		`SELECT e.cursor, e.conversation_id, e.kind, COALESCE(e.entity_id, '')
		 FROM event_stream e
		 JOIN members m ON m.conversation_id = e.conversation_id
		 WHERE m.device_mls_did = $1 AND m.left_at IS NULL AND e.cursor > $2
		 ORDER BY e.cursor
		 LIMIT $3`,
		deviceMLSDID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events since %q: %w", since, err)
	}
	defer rows.Close()

	var out []models.StreamEvent
	for rows.Next() {
		var e models.StreamEvent
		if err := rows.Scan(&e.Cursor, &e.ConversationID, &e.Kind, &e.EntityID); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes envelopes older than the retention horizon.
func (s *Store) DeleteEventsBefore(ctx context.Context, q Querier, retention time.Duration) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM event_stream WHERE created_at < now() - $1::interval`,
		retention,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old events: %w", err)
	}
	return tag.RowsAffected(), nil
}
