package chat

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/postgres"
)

type repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) Repo {
	return &repo{db: db}
}

const selectSession = `
	SELECT id, status, visitor_name, visitor_email, priority, escalated, escalated_at,
	       recovery_boost, assigned_to, previously_assigned_to, queue_position,
	       created_at, enqueued_at, assigned_at, closed_at, close_reason,
	       guest_last_seen, staff_disconnect_count, recovery_attempts, last_recovered_at
	FROM chat_sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s                      Session
		status                 string
		escalatedAt, assigned  sql.NullTime
		closedAt, recoveredAt  sql.NullTime
		assignedTo, previously sql.NullString
		position               sql.NullInt64
	)
	if err := row.Scan(
		&s.ID, &status, &s.Visitor.Name, &s.Visitor.Email, &s.Priority, &s.Escalated, &escalatedAt,
		&s.RecoveryBoost, &assignedTo, &previously, &position,
		&s.CreatedAt, &s.EnqueuedAt, &assigned, &closedAt, &s.CloseReason,
		&s.GuestLastSeen, &s.StaffDisconnectCount, &s.RecoveryAttempts, &recoveredAt,
	); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.EscalatedAt = postgres.TimePtr(escalatedAt)
	s.AssignedTo = postgres.StringPtr(assignedTo)
	s.PreviouslyAssignedTo = postgres.StringPtr(previously)
	s.AssignedAt = postgres.TimePtr(assigned)
	s.ClosedAt = postgres.TimePtr(closedAt)
	s.LastRecoveredAt = postgres.TimePtr(recoveredAt)
	if position.Valid {
		p := int(position.Int64)
		s.QueuePosition = &p
	}
	return &s, nil
}

func sessionArgs(s *Session) []any {
	var position sql.NullInt64
	if s.QueuePosition != nil {
		position = sql.NullInt64{Int64: int64(*s.QueuePosition), Valid: true}
	}
	return []any{
		s.ID, string(s.Status), s.Visitor.Name, s.Visitor.Email, s.Priority, s.Escalated, postgres.NullTime(s.EscalatedAt),
		s.RecoveryBoost, postgres.NullString(s.AssignedTo), postgres.NullString(s.PreviouslyAssignedTo), position,
		s.CreatedAt, s.EnqueuedAt, postgres.NullTime(s.AssignedAt), postgres.NullTime(s.ClosedAt), s.CloseReason,
		s.GuestLastSeen, s.StaffDisconnectCount, s.RecoveryAttempts, postgres.NullTime(s.LastRecoveredAt),
	}
}

const upsertSession = `
	INSERT INTO chat_sessions (id, status, visitor_name, visitor_email, priority, escalated, escalated_at,
		recovery_boost, assigned_to, previously_assigned_to, queue_position,
		created_at, enqueued_at, assigned_at, closed_at, close_reason,
		guest_last_seen, staff_disconnect_count, recovery_attempts, last_recovered_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

func (r *repo) Create(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, upsertSession, sessionArgs(s)...)
	return err
}

func (r *repo) Get(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, selectSession+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("get_session", "session", id)
	}
	return s, err
}

func (r *repo) Update(ctx context.Context, id string, fn func(s *Session) error) (*Session, error) {
	var out *Session
	err := postgres.InTx(ctx, r.db, func(tx *sql.Tx) error {
		s, err := scanSession(tx.QueryRowContext(ctx, selectSession+` WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("update_session", "session", id)
		}
		if err != nil {
			return err
		}

		if err := fn(s); err != nil {
			return err
		}
		out = s

		_, err = tx.ExecContext(ctx, upsertSession+`
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				priority = EXCLUDED.priority,
				escalated = EXCLUDED.escalated,
				escalated_at = EXCLUDED.escalated_at,
				recovery_boost = EXCLUDED.recovery_boost,
				assigned_to = EXCLUDED.assigned_to,
				previously_assigned_to = EXCLUDED.previously_assigned_to,
				queue_position = EXCLUDED.queue_position,
				enqueued_at = EXCLUDED.enqueued_at,
				assigned_at = EXCLUDED.assigned_at,
				closed_at = EXCLUDED.closed_at,
				close_reason = EXCLUDED.close_reason,
				guest_last_seen = EXCLUDED.guest_last_seen,
				staff_disconnect_count = EXCLUDED.staff_disconnect_count,
				recovery_attempts = EXCLUDED.recovery_attempts,
				last_recovered_at = EXCLUDED.last_recovered_at
		`, sessionArgs(s)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) list(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *repo) ListByStatus(ctx context.Context, statuses ...Status) ([]Session, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.list(ctx, selectSession+` WHERE status = ANY($1) ORDER BY created_at, id`, pq.Array(names))
}

func (r *repo) FindByVisitor(ctx context.Context, email string) ([]Session, error) {
	return r.list(ctx, selectSession+` WHERE lower(trim(visitor_email)) = lower($1) ORDER BY created_at, id`, email)
}

func (r *repo) ActiveCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT assigned_to, count(*)
		FROM chat_sessions
		WHERE status = 'active' AND assigned_to IS NOT NULL
		GROUP BY assigned_to
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			staffID string
			n       int
		)
		if err := rows.Scan(&staffID, &n); err != nil {
			return nil, err
		}
		out[staffID] = n
	}
	return out, rows.Err()
}

func (r *repo) SaveMessage(ctx context.Context, m *Message) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (session_id, sender, author_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`,
		m.SessionID,
		string(m.Sender),
		m.AuthorID,
		m.Text,
		m.CreatedAt,
	).Scan(&m.ID)
}

func (r *repo) History(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, sender, author_id, text, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			sender string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.AuthorID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Sender = Sender(sender)
		out = append(out, m)
	}
	return out, rows.Err()
}
