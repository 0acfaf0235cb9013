package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// CreateConversation inserts a conversation at epoch 0.
func (s *Store) CreateConversation(ctx context.Context, q Querier, c models.Conversation) error {
	_, err := q.Exec(ctx,
		`INSERT INTO conversations (id, creator_did, cipher_suite, current_epoch, metadata, created_at)
		 VALUES ($1, $2, $3, 0, $4, now())`,
		c.ID, c.CreatorDID, c.CipherSuite, c.Metadata,
	)
	if err != nil {
		return fmt.Errorf("creating conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns the conversation or pgx.ErrNoRows.
func (s *Store) GetConversation(ctx context.Context, q Querier, id string) (models.Conversation, error) {
	var c models.Conversation
	err := q.QueryRow(ctx,
		`SELECT id, creator_did, cipher_suite, current_epoch, metadata, created_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.CreatorDID, &c.CipherSuite, &c.CurrentEpoch, &c.Metadata, &c.CreatedAt)
	if err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// LockConversation takes the conversation row lock and returns the current
// epoch. Every epoch actor transaction starts here so storage-level commits
// serialize even if two actors ever raced for the same conversation.
func (s *Store) LockConversation(ctx context.Context, tx pgx.Tx, id string) (uint64, error) {
	var epoch uint64
	err := tx.QueryRow(ctx,
		`SELECT current_epoch FROM conversations WHERE id = $1 FOR UPDATE`, id,
	).Scan(&epoch)
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// AdvanceEpoch moves the conversation from epoch to epoch+1. It fails if the
// row is not at the expected epoch, which can only happen if actor
// serialization was bypassed.
func (s *Store) AdvanceEpoch(ctx context.Context, tx pgx.Tx, id string, from uint64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET current_epoch = $1 WHERE id = $2 AND current_epoch = $3`,
		from+1, id, from,
	)
	if err != nil {
		return fmt.Errorf("advancing epoch for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s not at expected epoch %d", id, from)
	}
	return nil
}
