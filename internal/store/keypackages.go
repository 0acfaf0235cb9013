package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// InsertKeyPackage appends a key package to a device's pool, enforcing the
// per-device cap on unconsumed packages. Returns false when the pool is full.
func (s *Store) InsertKeyPackage(ctx context.Context, q Querier, kp models.KeyPackage, maxPerDevice int) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO key_packages (hash, device_mls_did, data, expires_at, created_at)
		 SELECT $1, $2, $3, $4, now()
		 WHERE (SELECT COUNT(*) FROM key_packages
		        WHERE device_mls_did = $2 AND consumed_at IS NULL) < $5`,
		kp.Hash, kp.DeviceMLSDID, kp.Data, kp.ExpiresAt, maxPerDevice,
	)
	if err != nil {
		return false, fmt.Errorf("inserting key package %s: %w", kp.Hash, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountAvailableKeyPackages returns the unconsumed, unexpired pool size for a
// device.
func (s *Store) CountAvailableKeyPackages(ctx context.Context, q Querier, deviceMLSDID string) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM key_packages
		 WHERE device_mls_did = $1 AND consumed_at IS NULL AND expires_at > now()`,
		deviceMLSDID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting key packages for %s: %w", deviceMLSDID, err)
	}
	return n, nil
}

// ConsumeOneKeyPackage atomically reserves the oldest available key package
// for a device. Returns pgx.ErrNoRows when the pool is empty. The package row
// is kept (marked consumed) so the consuming commit remains auditable until
// retention prunes it.
func (s *Store) ConsumeOneKeyPackage(ctx context.Context, q Querier, deviceMLSDID, convoID string) (models.KeyPackage, error) {
	var kp models.KeyPackage
	err := q.QueryRow(ctx,
		`UPDATE key_packages SET consumed_at = now(), consumer_conversation_id = NULLIF($2, '')
		 WHERE hash = (
		   SELECT hash FROM key_packages
		   WHERE device_mls_did = $1 AND consumed_at IS NULL AND expires_at > now()
		   ORDER BY created_at ASC
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING hash, device_mls_did, data, expires_at, created_at, consumed_at, consumer_conversation_id`,
		deviceMLSDID, convoID,
	).Scan(&kp.Hash, &kp.DeviceMLSDID, &kp.Data, &kp.ExpiresAt, &kp.CreatedAt, &kp.ConsumedAt, &kp.ConsumerConvoID)
	if err != nil {
		return models.KeyPackage{}, err
	}
	return kp, nil
}

// ConsumeKeyPackageByHash binds the named package to a commit inside its
// transaction. A package is claimable when unconsumed, or when reserved via
// consumeKeyPackage but not yet bound to a conversation. Returns the owning
// device. pgx.ErrNoRows means the package is gone or another commit claimed
// it — the commit must fail atomically.
func (s *Store) ConsumeKeyPackageByHash(ctx context.Context, tx pgx.Tx, hash, convoID string) (string, error) {
	var owner string
	err := tx.QueryRow(ctx,
		`UPDATE key_packages SET consumed_at = COALESCE(consumed_at, now()), consumer_conversation_id = $2
		 WHERE hash = $1 AND (consumed_at IS NULL OR consumer_conversation_id IS NULL
		       OR consumer_conversation_id = $2)
		 RETURNING device_mls_did`,
		hash, convoID,
	).Scan(&owner)
	if err != nil {
		return "", err
	}
	return owner, nil
}

// KeyPackageConsumable reports whether the hash is usable for a new Welcome:
// either unconsumed, or already bound to this conversation. The recipient is
// not checked.
func (s *Store) KeyPackageConsumable(ctx context.Context, q Querier, hash, convoID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM key_packages
		  WHERE hash = $1 AND (consumed_at IS NULL OR consumer_conversation_id = $2))`,
		hash, convoID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking key package %s: %w", hash, err)
	}
	return ok, nil
}

// PruneKeyPackages deletes expired unconsumed packages and consumed packages
// past the retention window.
func (s *Store) PruneKeyPackages(ctx context.Context, q Querier, consumedRetention time.Duration) (int64, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM key_packages
		 WHERE NOT EXISTS (SELECT 1 FROM welcomes w
		                   WHERE w.key_package_hash = key_packages.hash)
		   AND ((consumed_at IS NULL AND expires_at < now())
		     OR (consumed_at IS NOT NULL AND consumed_at < now() - $1::interval))`,
		consumedRetention,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning key packages: %w", err)
	}
	return tag.RowsAffected(), nil
}
