package call

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/postgres"
)

// repo keeps the roster in its own table, one row per participant, so a
// participant update never rewrites anybody else's entry.
type repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) Repo {
	return &repo{db: db}
}

const selectCall = `
	SELECT id, initiator, call_type, chat_session_id, status,
	       started_at, answered_at, ended_at, end_reason, ended_by
	FROM call_sessions`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (*Session, error) {
	var (
		s                 Session
		callType, status  string
		chatSession       sql.NullString
		answered, endedAt sql.NullTime
	)
	if err := row.Scan(
		&s.ID, &s.Initiator, &callType, &chatSession, &status,
		&s.StartedAt, &answered, &endedAt, &s.EndReason, &s.EndedBy,
	); err != nil {
		return nil, err
	}
	s.Type = Type(callType)
	s.Status = Status(status)
	s.ChatSessionID = postgres.StringPtr(chatSession)
	s.AnsweredAt = postgres.TimePtr(answered)
	s.EndedAt = postgres.TimePtr(endedAt)
	return &s, nil
}

func loadParticipants(ctx context.Context, q queryer, s *Session) error {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, joined_at, left_at, declined_at, decline_reason, connection_quality
		FROM call_participants
		WHERE call_id = $1
		ORDER BY position
	`, s.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.Participants = s.Participants[:0]
	for rows.Next() {
		var (
			p                      Participant
			joined, left, declined sql.NullTime
			quality                string
		)
		if err := rows.Scan(&p.UserID, &joined, &left, &declined, &p.DeclineReason, &quality); err != nil {
			return err
		}
		p.JoinedAt = postgres.TimePtr(joined)
		p.LeftAt = postgres.TimePtr(left)
		p.DeclinedAt = postgres.TimePtr(declined)
		p.Quality = Quality(quality)
		s.Participants = append(s.Participants, p)
	}
	return rows.Err()
}

func saveCall(ctx context.Context, tx *sql.Tx, s *Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO call_sessions (id, initiator, call_type, chat_session_id, status,
			started_at, answered_at, ended_at, end_reason, ended_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			answered_at = EXCLUDED.answered_at,
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason,
			ended_by = EXCLUDED.ended_by
	`,
		s.ID, s.Initiator, string(s.Type), postgres.NullString(s.ChatSessionID), string(s.Status),
		s.StartedAt, postgres.NullTime(s.AnsweredAt), postgres.NullTime(s.EndedAt), s.EndReason, s.EndedBy,
	)
	if err != nil {
		return err
	}

	for i, p := range s.Participants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO call_participants (call_id, user_id, position, joined_at, left_at,
				declined_at, decline_reason, connection_quality)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (call_id, user_id) DO UPDATE SET
				joined_at = EXCLUDED.joined_at,
				left_at = EXCLUDED.left_at,
				declined_at = EXCLUDED.declined_at,
				decline_reason = EXCLUDED.decline_reason,
				connection_quality = EXCLUDED.connection_quality
		`,
			s.ID, p.UserID, i, postgres.NullTime(p.JoinedAt), postgres.NullTime(p.LeftAt),
			postgres.NullTime(p.DeclinedAt), p.DeclineReason, string(p.Quality),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) Create(ctx context.Context, s *Session) error {
	return postgres.InTx(ctx, r.db, func(tx *sql.Tx) error {
		return saveCall(ctx, tx, s)
	})
}

func (r *repo) Get(ctx context.Context, id string) (*Session, error) {
	s, err := scanCall(r.db.QueryRowContext(ctx, selectCall+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("get_call", "call", id)
	}
	if err != nil {
		return nil, err
	}
	if err := loadParticipants(ctx, r.db, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *repo) Update(ctx context.Context, id string, fn func(s *Session) error) (*Session, error) {
	var out *Session
	err := postgres.InTx(ctx, r.db, func(tx *sql.Tx) error {
		s, err := scanCall(tx.QueryRowContext(ctx, selectCall+` WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("update_call", "call", id)
		}
		if err != nil {
			return err
		}
		if err := loadParticipants(ctx, tx, s); err != nil {
			return err
		}

		if err := fn(s); err != nil {
			return err
		}
		out = s
		return saveCall(ctx, tx, s)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, selectCall+` WHERE status = $1 ORDER BY started_at`, string(status))
	if err != nil {
		return nil, err
	}
	var out []Session
	for rows.Next() {
		s, err := scanCall(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := loadParticipants(ctx, r.db, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
