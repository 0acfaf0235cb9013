package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// NextSeq computes the next sequence number for a conversation inside the
// caller's transaction. Safe because the actor holds the conversation row
// lock for the duration.
func (s *Store) NextSeq(ctx context.Context, tx pgx.Tx, convoID string) (uint64, error) {
	var next uint64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $1`,
		convoID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("computing next seq for %s: %w", convoID, err)
	}
	return next, nil
}

// InsertMessage writes a message row. sender_did is always bound NULL: the
// schema column exists but the delivery service never records who sent a
// ciphertext.
func (s *Store) InsertMessage(ctx context.Context, q Querier, m models.Message) error {
	_, err := q.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, message_type, epoch, seq, ciphertext,
		        sender_did, client_message_id, declared_size, padded_size, received_bucket,
		        idempotency_key, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9, $10, $11, now(), $12)`,
		m.ID, m.ConversationID, m.MessageType, m.Epoch, m.Seq, m.Ciphertext,
		m.ClientMessageID, m.DeclaredSize, m.PaddedSize, m.ReceivedBucket,
		m.IdempotencyKey, m.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	return nil
}

// GetMessageByClientID returns the message a client-message-id previously
// produced, for duplicate detection replies.
func (s *Store) GetMessageByClientID(ctx context.Context, q Querier, convoID, clientMessageID string) (models.Message, error) {
	return s.scanMessage(q.QueryRow(ctx,
		`SELECT id, conversation_id, message_type, epoch, seq, ciphertext, client_message_id,
		        declared_size, padded_size, received_bucket, created_at, expires_at
		 FROM messages WHERE conversation_id = $1 AND client_message_id = $2`,
		convoID, clientMessageID,
	))
}

// GetMessage returns a message by internal id.
func (s *Store) GetMessage(ctx context.Context, q Querier, id string) (models.Message, error) {
	return s.scanMessage(q.QueryRow(ctx,
		`SELECT id, conversation_id, message_type, epoch, seq, ciphertext, client_message_id,
		        declared_size, padded_size, received_bucket, created_at, expires_at
		 FROM messages WHERE id = $1`,
		id,
	))
}

func (s *Store) scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.MessageType, &m.Epoch, &m.Seq, &m.Ciphertext,
		&m.ClientMessageID, &m.DeclaredSize, &m.PaddedSize, &m.ReceivedBucket, &m.CreatedAt, &m.ExpiresAt)
	if err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// ListMessages returns messages after sinceSeq in ascending (epoch, seq)
// order, bounded by limit.
func (s *Store) ListMessages(ctx context.Context, q Querier, convoID string, sinceSeq uint64, limit int) ([]models.Message, error) {
	rows, err := q.Query(ctx,
		`SELECT id, conversation_id, message_type, epoch, seq, ciphertext, client_message_id,
		        declared_size, padded_size, received_bucket, created_at, expires_at
		 FROM messages
		 WHERE conversation_id = $1 AND seq > $2
		 ORDER BY epoch, seq
		 LIMIT $3`,
		convoID, sinceSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages of %s: %w", convoID, err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MessageType, &m.Epoch, &m.Seq, &m.Ciphertext,
			&m.ClientMessageID, &m.DeclaredSize, &m.PaddedSize, &m.ReceivedBucket, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest assigned seq for a conversation, 0 when empty.
func (s *Store) MaxSeq(ctx context.Context, q Querier, convoID string) (uint64, error) {
	var max uint64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = $1`,
		convoID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("reading max seq for %s: %w", convoID, err)
	}
	return max, nil
}

// DeleteExpiredMessages removes messages past their expires-at horizon in
// bounded batches, returning the number deleted.
func (s *Store) DeleteExpiredMessages(ctx context.Context, q Querier, batch int) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM messages WHERE id IN (
		   SELECT id FROM messages WHERE expires_at < now() LIMIT $1
		 )`,
		batch,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
