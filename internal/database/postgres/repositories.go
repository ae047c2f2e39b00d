package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NotificationRepository handles work notification persistence
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `id, job_id, prev_hash, coinb1, coinb2, merkle_branches,
	       version, nbits, ntime, clean_jobs, extranonce1, extranonce2_size,
	       received_at, height, txid, script_tag, confirmed_hash, confirmed_at`

// Insert stores one notification. Replays of the same derived id are
// silently skipped, which makes the write idempotent across reconnects.
func (r *NotificationRepository) Insert(ctx context.Context, n *Notification) error {
	branches, err := n.branchesJSON()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO work_notifications (id, job_id, prev_hash, coinb1, coinb2, merkle_branches,
		                                version, nbits, ntime, clean_jobs, extranonce1, extranonce2_size,
		                                received_at, height, txid, script_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`

	_, err = r.db.ExecContext(ctx, query,
		n.ID, n.JobID, n.PrevHash, n.Coinb1, n.Coinb2, branches,
		n.Version, n.NBits, n.NTime, n.CleanJobs, n.ExtraNonce1, n.ExtraNonce2Size,
		n.ReceivedAt, n.Height, n.TxID, n.ScriptTag,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// Recent retrieves the most recently received notifications.
func (r *NotificationRepository) Recent(ctx context.Context, limit int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM work_notifications
		ORDER BY received_at DESC
		LIMIT $1`

	return r.queryNotifications(ctx, query, limit)
}

// RecentUnconfirmed retrieves recent notifications the watcher has not yet
// matched against a chain block.
func (r *NotificationRepository) RecentUnconfirmed(ctx context.Context, limit int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM work_notifications
		WHERE confirmed_at IS NULL
		ORDER BY received_at DESC
		LIMIT $1`

	return r.queryNotifications(ctx, query, limit)
}

func (r *NotificationRepository) queryNotifications(ctx context.Context, query string, args ...any) ([]*Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var notifications []*Notification
	for rows.Next() {
		n := &Notification{}
		var branches []byte
		err := rows.Scan(
			&n.ID, &n.JobID, &n.PrevHash, &n.Coinb1, &n.Coinb2, &branches,
			&n.Version, &n.NBits, &n.NTime, &n.CleanJobs, &n.ExtraNonce1, &n.ExtraNonce2Size,
			&n.ReceivedAt, &n.Height, &n.TxID, &n.ScriptTag, &n.ConfirmedHash, &n.ConfirmedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if err := n.scanBranches(branches); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, nil
}

// MarkConfirmed annotates a notification with the block that extended its
// previous-block hash.
func (r *NotificationRepository) MarkConfirmed(ctx context.Context, id, blockHash string) error {
	query := `
		UPDATE work_notifications
		SET confirmed_hash = $1, confirmed_at = $2
		WHERE id = $3 AND confirmed_at IS NULL`

	_, err := r.db.ExecContext(ctx, query, blockHash, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification confirmed: %w", err)
	}
	return nil
}

// TrimRetention deletes everything beyond the newest keep rows and returns
// the number of rows removed.
func (r *NotificationRepository) TrimRetention(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM work_notifications
		WHERE id NOT IN (
			SELECT id FROM work_notifications
			ORDER BY received_at DESC
			LIMIT $1
		)`

	res, err := r.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to trim notifications: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count trimmed rows: %w", err)
	}
	return removed, nil
}
