package workmode

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/postgres"
)

type repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) Repo {
	return &repo{db: db}
}

const selectWorkMode = `
	SELECT staff_id, mode, auto_accept_enabled, max_concurrent_sessions,
	       accepts_escalated, accepts_priority, last_activity, mode_since
	FROM work_modes`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r    Record
		mode string
	)
	if err := row.Scan(
		&r.StaffID, &mode, &r.AutoAcceptEnabled, &r.MaxConcurrentSessions,
		&r.AcceptsEscalated, &r.AcceptsPriority, &r.LastActivity, &r.ModeSince,
	); err != nil {
		return nil, err
	}
	r.Mode = Mode(mode)
	r.Exists = true
	return &r, nil
}

func (r *repo) Get(ctx context.Context, staffID string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectWorkMode+` WHERE staff_id = $1`, staffID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("get_work_mode", "work_mode", staffID)
	}
	return rec, err
}

func (r *repo) Update(ctx context.Context, staffID string, fn func(rec *Record) error) (*Record, error) {
	var out *Record
	err := postgres.InTx(ctx, r.db, func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx, selectWorkMode+` WHERE staff_id = $1 FOR UPDATE`, staffID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rec = &Record{StaffID: staffID}
		case err != nil:
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}
		out = rec
		if !rec.Exists {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO work_modes (staff_id, mode, auto_accept_enabled, max_concurrent_sessions,
				accepts_escalated, accepts_priority, last_activity, mode_since)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (staff_id) DO UPDATE SET
				mode = EXCLUDED.mode,
				auto_accept_enabled = EXCLUDED.auto_accept_enabled,
				max_concurrent_sessions = EXCLUDED.max_concurrent_sessions,
				accepts_escalated = EXCLUDED.accepts_escalated,
				accepts_priority = EXCLUDED.accepts_priority,
				last_activity = EXCLUDED.last_activity,
				mode_since = EXCLUDED.mode_since
		`,
			rec.StaffID, string(rec.Mode), rec.AutoAcceptEnabled, rec.MaxConcurrentSessions,
			rec.AcceptsEscalated, rec.AcceptsPriority, rec.LastActivity, rec.ModeSince,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, selectWorkMode+` ORDER BY staff_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *repo) AppendChange(ctx context.Context, c Change) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO work_mode_history (staff_id, old_mode, new_mode, seconds_in_prior, changed_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		c.StaffID, string(c.OldMode), string(c.NewMode), int64(c.TimeInPrior.Seconds()), c.At,
	)
	return err
}
