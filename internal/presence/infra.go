package presence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/postgres"
)

type repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) Repo {
	return &repo{db: db}
}

const selectPresence = `
	SELECT user_id, status, message, last_active,
	       override_status, override_reason, override_set_by, override_set_at,
	       visibility_override
	FROM presence`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r          Record
		status     string
		ovStatus   sql.NullString
		ovReason   sql.NullString
		ovSetBy    sql.NullString
		ovSetAt    sql.NullTime
		visibility sql.NullString
	)
	if err := row.Scan(
		&r.UserID, &status, &r.Message, &r.LastActive,
		&ovStatus, &ovReason, &ovSetBy, &ovSetAt,
		&visibility,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Exists = true
	if ovStatus.Valid {
		r.AdminOverride = &Override{
			Status: Status(ovStatus.String),
			Reason: ovReason.String,
			SetBy:  ovSetBy.String,
			SetAt:  ovSetAt.Time,
		}
	}
	if visibility.Valid {
		v := Status(visibility.String)
		r.VisibilityOverride = &v
	}
	return &r, nil
}

func (r *repo) Get(ctx context.Context, userID string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectPresence+` WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("get_presence", "presence", userID)
	}
	return rec, err
}

func (r *repo) Update(ctx context.Context, userID string, fn func(rec *Record) error) (*Record, error) {
	var out *Record
	err := postgres.InTx(ctx, r.db, func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx, selectPresence+` WHERE user_id = $1 FOR UPDATE`, userID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rec = &Record{UserID: userID, Status: StatusOffline}
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

		var (
			ovStatus, ovReason, ovSetBy sql.NullString
			ovSetAt                     sql.NullTime
			visibility                  sql.NullString
		)
		if o := rec.AdminOverride; o != nil {
			ovStatus = sql.NullString{String: string(o.Status), Valid: true}
			ovReason = sql.NullString{String: o.Reason, Valid: true}
			ovSetBy = sql.NullString{String: o.SetBy, Valid: true}
			ovSetAt = sql.NullTime{Time: o.SetAt, Valid: true}
		}
		if v := rec.VisibilityOverride; v != nil {
			visibility = sql.NullString{String: string(*v), Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO presence (user_id, status, message, last_active,
				override_status, override_reason, override_set_by, override_set_at,
				visibility_override)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO UPDATE SET
				status = EXCLUDED.status,
				message = EXCLUDED.message,
				last_active = EXCLUDED.last_active,
				override_status = EXCLUDED.override_status,
				override_reason = EXCLUDED.override_reason,
				override_set_by = EXCLUDED.override_set_by,
				override_set_at = EXCLUDED.override_set_at,
				visibility_override = EXCLUDED.visibility_override
		`,
			rec.UserID, string(rec.Status), rec.Message, rec.LastActive,
			ovStatus, ovReason, ovSetBy, ovSetAt,
			visibility,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) ListStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM presence
		WHERE status <> 'offline' AND last_active < $1
		ORDER BY user_id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *repo) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, selectPresence+` ORDER BY user_id`)
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
