package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Notification statuses.
const (
	NotificationPending    = "pending"
	NotificationProcessing = "processing"
	NotificationSent       = "sent"
	NotificationFailed     = "failed"
)

// ErrNotClaimable is returned by ClaimNotification when the row is already
// sent, failed, or being processed by another worker.
var ErrNotClaimable = errors.New("store: notification not claimable")

// staleProcessing is how long a row may sit in 'processing' before another
// worker is allowed to reclaim it. Covers a worker that died mid-send.
const staleProcessing = 10 * time.Minute

// Notification is one outbox row.
type Notification struct {
	ID        uuid.UUID
	Kind      string
	Recipient string
	Reference string
	Data      pqtype.NullRawMessage
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    sql.NullTime
}

// NotificationParams describes a notification to enqueue. Kind+Reference is
// the idempotency key.
type NotificationParams struct {
	Kind      string
	Recipient string
	Reference string
	Data      pqtype.NullRawMessage
}

// EnqueueNotification inserts an outbox row. created is false when a row
// with the same kind and reference already exists, in which case id is that
// existing row's id.
func (s *Store) EnqueueNotification(ctx context.Context, p NotificationParams) (id uuid.UUID, created bool, err error) {
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		id, created, err = insertNotification(ctx, tx, p)
		return err
	})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("store: enqueue %s/%s: %w", p.Kind, p.Reference, err)
	}
	return id, created, nil
}

// insertNotification is shared by EnqueueNotification and RecordPurchase so
// the purchase outbox row shares the purchase transaction.
func insertNotification(ctx context.Context, tx *sql.Tx, p NotificationParams) (uuid.UUID, bool, error) {
	newID := uuid.New()

	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO notifications (id, kind, recipient, reference, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, reference) DO NOTHING
		RETURNING id`,
		newID, p.Kind, p.Recipient, p.Reference, p.Data,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, err
	}

	// Conflict: return the existing row's id.
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM notifications WHERE kind = $1 AND reference = $2`,
		p.Kind, p.Reference,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, false, nil
}

const notificationColumns = `
	id, kind, recipient, reference, data, status, attempts,
	COALESCE(last_error, ''), created_at, updated_at, sent_at`

func scanNotification(row interface{ Scan(...any) error }) (Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.Kind, &n.Recipient, &n.Reference, &n.Data, &n.Status,
		&n.Attempts, &n.LastError, &n.CreatedAt, &n.UpdatedAt, &n.SentAt,
	)
	return n, err
}

// GetNotification returns one outbox row. Returns sql.ErrNoRows when absent.
func (s *Store) GetNotification(ctx context.Context, id uuid.UUID) (Notification, error) {
	n, err := scanNotification(s.pool.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, err
	}
	if err != nil {
		return Notification{}, fmt.Errorf("store: get notification %s: %w", id, err)
	}
	return n, nil
}

// ClaimNotification moves a pending (or stale processing) row to processing
// and increments its attempt counter. Exactly one concurrent caller wins; the
// others get ErrNotClaimable.
func (s *Store) ClaimNotification(ctx context.Context, id uuid.UUID) (Notification, error) {
	n, err := scanNotification(s.pool.QueryRowContext(ctx, `
		UPDATE notifications
		SET status = 'processing',
		    attempts = attempts + 1,
		    updated_at = now()
		WHERE id = $1
		  AND (status = 'pending'
		       OR (status = 'processing' AND updated_at < now() - $2::interval))
		RETURNING `+notificationColumns,
		id, fmt.Sprintf("%d seconds", int(staleProcessing.Seconds())),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotClaimable
	}
	if err != nil {
		return Notification{}, fmt.Errorf("store: claim notification %s: %w", id, err)
	}
	return n, nil
}

// MarkNotificationSent records a successful delivery.
func (s *Store) MarkNotificationSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'sent', sent_at = now(), updated_at = now(), last_error = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark notification %s sent: %w", id, err)
	}
	return nil
}

// ReleaseNotification returns a claimed row to pending after a failed
// attempt so the poller can pick it up again.
func (s *Store) ReleaseNotification(ctx context.Context, id uuid.UUID, cause error) error {
	_, err := s.pool.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'pending', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, errorText(cause))
	if err != nil {
		return fmt.Errorf("store: release notification %s: %w", id, err)
	}
	return nil
}

// MarkNotificationFailed parks a row permanently after retries are exhausted.
func (s *Store) MarkNotificationFailed(ctx context.Context, id uuid.UUID, cause error) error {
	_, err := s.pool.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1 AND status <> 'sent'`,
		id, errorText(cause))
	if err != nil {
		return fmt.Errorf("store: mark notification %s failed: %w", id, err)
	}
	return nil
}

// ListPendingNotifications returns up to limit ids of rows awaiting delivery,
// oldest first. Rows stuck in processing past the stale window are included.
func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.QueryContext(ctx, `
		SELECT id FROM notifications
		WHERE status = 'pending'
		   OR (status = 'processing' AND updated_at < now() - $2::interval)
		ORDER BY created_at
		LIMIT $1`,
		limit, fmt.Sprintf("%d seconds", int(staleProcessing.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list pending notifications: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan pending notification: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate pending notifications: %w", err)
	}
	return ids, nil
}

func errorText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return nullString(err.Error())
}
