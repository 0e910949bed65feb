package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, appointment_id, patient_id, type, channel, status,
	recipient, subject, content, sent_at, error_message,
	retry_count, metadata, created_at, updated_at`

// Repository handles database operations for notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.AppointmentID,
		&n.PatientID,
		&n.Type,
		&n.Channel,
		&n.Status,
		&n.Recipient,
		&n.Subject,
		&n.Content,
		&n.SentAt,
		&n.ErrorMessage,
		&n.RetryCount,
		&n.Metadata,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()

	items := []*Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// Create inserts a notification. ID, Status and Type are filled in when
// empty; CreatedAt and UpdatedAt come back from the database.
func (r *Repository) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Type == "" {
		n.Type = DefaultType
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}

	query := `
		INSERT INTO notifications (
			id, appointment_id, patient_id, type, channel, status,
			recipient, subject, content, metadata, retry_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.AppointmentID,
		n.PatientID,
		n.Type,
		n.Channel,
		n.Status,
		n.Recipient,
		n.Subject,
		n.Content,
		n.Metadata,
		n.RetryCount,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", n.Channel),
		zap.String("type", n.Type),
	)

	return nil
}

// FindByID returns nil, nil when no row matches.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return n, nil
}

// filterClause renders f as a WHERE clause, numbering placeholders from 1.
func filterClause(f ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	add("appointment_id", f.AppointmentID)
	add("patient_id", f.PatientID)
	add("channel", f.Channel)
	add("status", f.Status)
	add("type", f.Type)

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns one page of notifications matching f, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter, page, pageSize int) (*Page, error) {
	where, args := filterClause(f)

	var total int
	countQuery := `SELECT COUNT(*) FROM notifications` + where
	if err := r.db.Pool().QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}

	query := listQuery(where, len(args))
	offset := (page - 1) * pageSize
	rows, err := r.db.Pool().Query(ctx, query, append(args, pageSize, offset)...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}

	items, err := collectNotifications(rows)
	if err != nil {
		return nil, err
	}

	return NewPage(items, total, page, pageSize), nil
}

// listQuery selects one page, newest first. id breaks created_at ties so
// pages stay stable.
func listQuery(where string, nArgs int) string {
	return fmt.Sprintf(
		`SELECT %s FROM notifications%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		notificationColumns, where, nArgs+1, nArgs+2,
	)
}

// UpdateStatus sets status and error message in one statement, stamping
// sent_at only for StatusSent and clearing it otherwise. Returns nil, nil
// when the row does not exist.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) (*Notification, error) {
	query := `
		UPDATE notifications
		SET status = $1::text,
			sent_at = CASE WHEN $1::text = 'sent' THEN NOW() ELSE NULL END,
			error_message = $2,
			updated_at = NOW()
		WHERE id = $3
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, status, errorMsg, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
			zap.String("status", status),
		)
		return nil, fmt.Errorf("update notification status: %w", err)
	}

	return n, nil
}

// IncrementRetryCount bumps retry_count by one. Returns nil, nil when the
// row does not exist.
func (r *Repository) IncrementRetryCount(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notifications
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("increment retry count: %w", err)
	}

	return n, nil
}

// ListRetryable returns failed notifications created after since that have
// been retried fewer than maxRetries times, oldest first.
func (r *Repository) ListRetryable(ctx context.Context, maxRetries int, since time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'failed' AND retry_count < $1 AND created_at > $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, maxRetries, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query retryable notifications: %w", err)
	}

	return collectNotifications(rows)
}

// Statistics counts notifications per status and per channel.
func (r *Repository) Statistics(ctx context.Context, rng StatsRange) (*Statistics, error) {
	var (
		conds []string
		args  []any
	)
	if rng.From != nil {
		args = append(args, *rng.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if rng.To != nil {
		args = append(args, *rng.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	stats := &Statistics{
		ByStatus:  map[string]int{},
		ByChannel: map[string]int{},
	}

	totalsQuery := `SELECT COUNT(*), COALESCE(AVG(retry_count), 0)::float8 FROM notifications` + where
	if err := r.db.Pool().QueryRow(ctx, totalsQuery, args...).Scan(&stats.Total, &stats.AvgRetries); err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.ByStatus},
		{"channel", stats.ByChannel},
	}
	for _, g := range groups {
		query := fmt.Sprintf(`SELECT %[1]s, COUNT(*) FROM notifications%[2]s GROUP BY %[1]s`, g.column, where)
		rows, err := r.db.Pool().Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query statistics by %s: %w", g.column, err)
		}
		for rows.Next() {
			var (
				key   string
				count int
			)
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan statistics: %w", err)
			}
			g.into[key] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate statistics: %w", err)
		}
	}

	return stats, nil
}

// DeleteOlderThan removes notifications created before cutoff and reports
// how many rows went.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old notifications: %w", err)
	}

	r.logger.Info("old notifications deleted",
		zap.Int64("count", result.RowsAffected()),
		zap.Time("cutoff", cutoff),
	)

	return result.RowsAffected(), nil
}
