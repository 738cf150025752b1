package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rerouteline/internal/db"
	"rerouteline/internal/domain"
	"rerouteline/internal/repo"
)

const defaultBatch = 100

// SQL stores the log in the log_entries table and polls it per subscriber.
type SQL struct {
	DB       *db.DB
	Interval time.Duration
	Now      func() time.Time
	Logger   zerolog.Logger
}

func (s *SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQL) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return 500 * time.Millisecond
}

func (s *SQL) Append(ctx context.Context, e Entry) error {
	data, err := Encode(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, s.DB.Q(`INSERT INTO log_entries(notification_id,target,origin,kind,payload_json,ts) VALUES (?,?,?,?,?,?)`),
		e.Notification.ID, e.Target(), e.Origin, string(e.Notification.Kind), string(data), s.now().UTC().Format(repo.TimeLayout))
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

func (s *SQL) Subscribe(ctx context.Context, target string, h Handler) error {
	var cursor int64
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		next, err := s.drain(ctx, target, cursor, h)
		cursor = next
		if err != nil && ctx.Err() == nil {
			s.Logger.Warn().Err(err).Str("target", target).Int64("cursor", cursor).Msg("event log poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drain delivers everything after cursor and returns the new cursor.
func (s *SQL) drain(ctx context.Context, target string, cursor int64, h Handler) (int64, error) {
	for {
		rows, err := s.after(ctx, target, cursor, defaultBatch)
		if err != nil {
			return cursor, err
		}
		if len(rows) == 0 {
			return cursor, nil
		}
		for _, row := range rows {
			e, err := Decode([]byte(row.payload))
			if err != nil {
				s.Logger.Error().Err(err).Int64("seq", row.seq).Msg("skipping malformed log entry")
				cursor = row.seq
				continue
			}
			e.Seq = row.seq
			if err := h(ctx, e); err != nil {
				return cursor, fmt.Errorf("handle entry %d: %w", row.seq, err)
			}
			cursor = row.seq
		}
	}
}

type logRow struct {
	seq     int64
	payload string
}

func (s *SQL) after(ctx context.Context, target string, cursor int64, limit int) ([]logRow, error) {
	rows, err := s.DB.QueryContext(ctx, s.DB.Q(`SELECT seq,payload_json FROM log_entries WHERE target=? AND seq>? ORDER BY seq LIMIT ?`), target, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []logRow
	for rows.Next() {
		var r logRow
		if err := rows.Scan(&r.seq, &r.payload); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Tail returns the newest n entries, oldest first. An empty target lists all warehouses.
func (s *SQL) Tail(ctx context.Context, n int, target string) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT seq,payload_json FROM log_entries`
	var args []any
	if target != "" {
		query += ` WHERE target=?`
		args = append(args, target)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, n)
	rows, err := s.DB.QueryContext(ctx, s.DB.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var r logRow
		if err := rows.Scan(&r.seq, &r.payload); err != nil {
			return nil, err
		}
		e, err := Decode([]byte(r.payload))
		if err != nil {
			if errors.Is(err, domain.ErrMalformed) {
				continue
			}
			return nil, err
		}
		e.Seq = r.seq
		res = append([]Entry{e}, res...)
	}
	return res, rows.Err()
}

func (s *SQL) Close() error { return s.DB.Close() }
