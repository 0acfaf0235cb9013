package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// UpsertWelcome stores a pending Welcome for (conversation, recipient). A
// newer Welcome for the same key replaces the older one, consumed or not, and
// clears its fetch and consume stamps — the recipient only ever needs the
// latest group state.
func (s *Store) UpsertWelcome(ctx context.Context, q Querier, w models.Welcome) error {
	_, err := q.Exec(ctx,
		`INSERT INTO welcomes (conversation_id, recipient_did, key_package_hash, welcome_data,
		        commit_data, producer_did, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (conversation_id, recipient_did) DO UPDATE SET
		   key_package_hash = EXCLUDED.key_package_hash,
		   welcome_data = EXCLUDED.welcome_data,
		   commit_data = EXCLUDED.commit_data,
		   producer_did = EXCLUDED.producer_did,
		   created_at = now(),
		   first_fetched_at = NULL,
		   consumed_at = NULL`,
		w.ConversationID, w.RecipientDID, w.KeyPackageHash, w.WelcomeData, w.CommitData, w.ProducerDID,
	)
	if err != nil {
		return fmt.Errorf("storing welcome for %s in %s: %w", w.RecipientDID, w.ConversationID, err)
	}
	return nil
}

// FetchWelcome returns the pending Welcome for (conversation, recipient) and
// stamps first_fetched_at on the first read. Fetches are idempotent within
// the grace window so a client that crashes between fetch and local persist
// can retry. Returns pgx.ErrNoRows when nothing is pending, and sets
// graceExpired when a Welcome existed but its window has elapsed.
func (s *Store) FetchWelcome(ctx context.Context, q Querier, convoID, recipientDID string, grace time.Duration) (w models.Welcome, graceExpired bool, err error) {
	err = q.QueryRow(ctx,
		`SELECT conversation_id, recipient_did, key_package_hash, welcome_data, commit_data,
		        producer_did, created_at, first_fetched_at, consumed_at
		 FROM welcomes WHERE conversation_id = $1 AND recipient_did = $2`,
		convoID, recipientDID,
	).Scan(&w.ConversationID, &w.RecipientDID, &w.KeyPackageHash, &w.WelcomeData, &w.CommitData,
		&w.ProducerDID, &w.CreatedAt, &w.FirstFetchedAt, &w.ConsumedAt)
	if err != nil {
		return models.Welcome{}, false, err
	}

	if w.ConsumedAt != nil {
		return models.Welcome{}, true, nil
	}
	if w.FirstFetchedAt != nil && time.Since(*w.FirstFetchedAt) > grace {
		return models.Welcome{}, true, nil
	}

	if w.FirstFetchedAt == nil {
		now := Now()
		if _, err := q.Exec(ctx,
			`UPDATE welcomes SET first_fetched_at = $3
			 WHERE conversation_id = $1 AND recipient_did = $2 AND first_fetched_at IS NULL`,
			convoID, recipientDID, now,
		); err != nil {
			return models.Welcome{}, false, fmt.Errorf("stamping welcome fetch: %w", err)
		}
		w.FirstFetchedAt = &now
	}

	return w, false, nil
}

// MarkWelcomeConsumed finalizes a Welcome and its key package in one
// transaction, driven by the client's success signal.
func (s *Store) MarkWelcomeConsumed(ctx context.Context, tx pgx.Tx, convoID, recipientDID string) error {
	var hash string
	err := tx.QueryRow(ctx,
		`UPDATE welcomes SET consumed_at = now()
		 WHERE conversation_id = $1 AND recipient_did = $2 AND consumed_at IS NULL
		 RETURNING key_package_hash`,
		convoID, recipientDID,
	).Scan(&hash)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE key_packages SET consumed_at = COALESCE(consumed_at, now()),
		        consumer_conversation_id = COALESCE(consumer_conversation_id, $2)
		 WHERE hash = $1`,
		hash, convoID,
	); err != nil {
		return fmt.Errorf("finalizing key package %s: %w", hash, err)
	}
	return nil
}

// FinalizeExpiredWelcomes marks Welcomes past the grace window as consumed,
// finalizing their key packages atomically. Run by the retention worker.
func (s *Store) FinalizeExpiredWelcomes(ctx context.Context, tx pgx.Tx, grace time.Duration) (int64, error) {
	rows, err := tx.Query(ctx,
		`UPDATE welcomes SET consumed_at = now()
		 WHERE consumed_at IS NULL AND first_fetched_at IS NOT NULL
		   AND first_fetched_at < now() - $1::interval
		 RETURNING key_package_hash, conversation_id`,
		grace,
	)
	if err != nil {
		return 0, fmt.Errorf("finalizing expired welcomes: %w", err)
	}

	type pair struct{ hash, convo string }
	var finalized []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.hash, &p.convo); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning finalized welcome: %w", err)
		}
		finalized = append(finalized, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range finalized {
		if _, err := tx.Exec(ctx,
			`UPDATE key_packages SET consumed_at = COALESCE(consumed_at, now()),
			        consumer_conversation_id = COALESCE(consumer_conversation_id, $2)
			 WHERE hash = $1`,
			p.hash, p.convo,
		); err != nil {
			return 0, fmt.Errorf("finalizing key package %s: %w", p.hash, err)
		}
	}
	return int64(len(finalized)), nil
}

// DeleteConsumedWelcomes removes consumed Welcomes past the grace window.
func (s *Store) DeleteConsumedWelcomes(ctx context.Context, q Querier, grace time.Duration) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM welcomes
		 WHERE consumed_at IS NOT NULL AND consumed_at < now() - $1::interval`,
		grace,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting consumed welcomes: %w", err)
	}
	return tag.RowsAffected(), nil
}
