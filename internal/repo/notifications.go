package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rerouteline/internal/domain"
)

const notificationColumns = `id,kind,title,message,reroute_id,target,is_read,created_at`

func scanNotification(row scanner) (domain.Notification, error) {
	var n domain.Notification
	var kind, created string
	var read int
	err := row.Scan(&n.ID, &kind, &n.Title, &n.Message, &n.RerouteID, &n.Target, &read, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.Kind = domain.Kind(kind)
	n.Read = read != 0
	if n.CreatedAt, err = parseTime(created); err != nil {
		return n, fmt.Errorf("notification %s created_at: %w", n.ID, err)
	}
	return n, nil
}

// InsertNotification stores n unless its id is already present. inserted is false for duplicates.
func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) (bool, error) {
	read := 0
	if n.Read {
		read = 1
	}
	res, err := r.q(tx).ExecContext(ctx, r.DB.Q(`INSERT INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`),
		n.ID, string(n.Kind), n.Title, n.Message, n.RerouteID, n.Target, read, formatTime(n.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, r.DB.Q(`SELECT `+notificationColumns+` FROM notifications WHERE id=?`), id))
}

// ListNotifications returns notifications targeted at the warehouse, newest first.
func (r Repo) ListNotifications(ctx context.Context, target string) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, r.DB.Q(`SELECT `+notificationColumns+` FROM notifications WHERE target=? ORDER BY created_at DESC, id DESC`), target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// NotificationIDs lists every stored notification id for the target.
func (r Repo) NotificationIDs(ctx context.Context, target string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.DB.Q(`SELECT id FROM notifications WHERE target=?`), target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) UnreadCount(ctx context.Context, target string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.DB.Q(`SELECT COUNT(*) FROM notifications WHERE target=? AND is_read=0`), target).Scan(&n)
	return n, err
}

// MarkRead flips the read flag. It never clears it.
func (r Repo) MarkRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.DB.Q(`UPDATE notifications SET is_read=1 WHERE id=?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification for the target and returns how many changed.
func (r Repo) MarkAllRead(ctx context.Context, target string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, r.DB.Q(`UPDATE notifications SET is_read=1 WHERE target=? AND is_read=0`), target)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
