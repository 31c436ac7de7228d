package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/npezzotti/swapchat/internal/types"
)

const uniqueViolation = "23505"

const threadColumns = `
		t.id, t.swap_request_id, t.last_message_at, t.is_active, t.created_at, t.updated_at,
		a.id, a.username, b.id, b.username
	FROM threads t
	JOIN accounts a ON a.id = t.participant_a
	JOIN accounts b ON b.id = t.participant_b`

const messageColumns = `
		m.id, m.thread_id, m.sender_id, a.username, m.content, m.type, m.is_read, m.read_at,
		m.client_token, m.created_at
	FROM messages m
	JOIN accounts a ON a.id = m.sender_id`

const callColumns = `
		c.id, c.thread_id, c.caller_id, ca.username, c.recipient_id, re.username, c.is_video_call,
		c.status, c.started_at, c.ended_at, c.duration_seconds, c.signaling, c.created_at, c.updated_at
	FROM calls c
	JOIN accounts ca ON ca.id = c.caller_id
	JOIN accounts re ON re.id = c.recipient_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func statusStrings(statuses []types.CallStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (db *PgRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, username, email, created_at, updated_at",
		uuid.NewString(),
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		now,
	)

	var u User
	err := res.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return User{}, ErrDuplicate
	}

	return u, err
}

func (db *PgRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, created_at, updated_at FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(&user.Id, &user.Username, &user.EmailAddress, &user.CreatedAt, &user.UpdatedAt)

	return user, noRows(err)
}

func (db *PgRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(&user.Id, &user.Username, &user.EmailAddress, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)

	return user, noRows(err)
}

func (db *PgRepository) GetSwapRequest(ctx context.Context, id string) (SwapRequest, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, requester_id, recipient_id, status FROM swap_requests WHERE id = $1",
		id,
	)

	var sr SwapRequest
	err := row.Scan(&sr.Id, &sr.RequesterId, &sr.RecipientId, &sr.Status)

	return sr, noRows(err)
}

func scanThread(row rowScanner) (Thread, error) {
	var (
		t    Thread
		a, b Participant
	)

	err := row.Scan(
		&t.Id,
		&t.SwapRequestId,
		&t.LastMessageAt,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
		&a.Id,
		&a.Username,
		&b.Id,
		&b.Username,
	)
	if err != nil {
		return Thread{}, err
	}

	t.Participants = []Participant{a, b}
	return t, nil
}

func (db *PgRepository) CreateThread(ctx context.Context, params CreateThreadParams) (Thread, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO threads (id, swap_request_id, participant_a, participant_b, last_message_at, is_active, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, TRUE, $5, $5)",
		id,
		params.SwapRequestId,
		params.Participants[0],
		params.Participants[1],
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Thread{}, ErrDuplicate
		}
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}

	return db.GetThread(ctx, id)
}

func (db *PgRepository) GetThread(ctx context.Context, id string) (Thread, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT"+threadColumns+" WHERE t.id = $1", id)

	t, err := scanThread(row)
	return t, noRows(err)
}

func (db *PgRepository) ListThreads(ctx context.Context, userId string) ([]Thread, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT"+threadColumns+
			" WHERE (t.participant_a = $1 OR t.participant_b = $1) AND t.is_active"+
			" ORDER BY t.last_message_at DESC",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}

	return threads, rows.Err()
}

func (db *PgRepository) ArchiveThread(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE threads SET is_active = FALSE, updated_at = $2 WHERE id = $1",
		id,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (db *PgRepository) DeleteThread(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = $1", id); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM calls WHERE thread_id = $1", id); err != nil {
		return err
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, "DELETE FROM threads WHERE id = $1", id)
	if err != nil {
		return err
	}

	if err = requireAffected(res); err != nil {
		return err
	}

	return tx.Commit()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m      Message
		readAt sql.NullTime
	)

	err := row.Scan(
		&m.Id,
		&m.ThreadId,
		&m.SenderId,
		&m.SenderUsername,
		&m.Content,
		&m.Type,
		&m.IsRead,
		&readAt,
		&m.ClientToken,
		&m.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if readAt.Valid {
		m.ReadAt = &readAt.Time
	}
	return m, nil
}

func (db *PgRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	id := uuid.NewString()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (id, thread_id, sender_id, content, type, client_token, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		id,
		params.ThreadId,
		params.SenderId,
		params.Content,
		params.Type,
		params.ClientToken,
		now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE threads SET last_message_at = $2, updated_at = $2 WHERE id = $1",
		params.ThreadId,
		now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("touch thread: %w", err)
	}

	var msg Message
	msg, err = scanMessage(tx.QueryRowContext(ctx, "SELECT"+messageColumns+" WHERE m.id = $1", id))
	if err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgRepository) GetMessage(ctx context.Context, threadId, messageId string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT"+messageColumns+" WHERE m.id = $1 AND m.thread_id = $2",
		messageId,
		threadId,
	)

	m, err := scanMessage(row)
	return m, noRows(err)
}

func (db *PgRepository) ListMessages(ctx context.Context, threadId string, page, limit int) ([]Message, int, error) {
	offset, size := PageBounds(page, limit, DefaultMessagePageSize)

	rows, err := db.conn.QueryContext(ctx,
		"SELECT"+messageColumns+" WHERE m.thread_id = $1 ORDER BY m.created_at DESC LIMIT $2 OFFSET $3",
		threadId,
		size,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, size)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := db.conn.QueryRowContext(ctx,
		"SELECT count(*) FROM messages WHERE thread_id = $1", threadId,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	return messages, total, nil
}

func (db *PgRepository) MarkMessageRead(ctx context.Context, messageId string, readAt time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE, read_at = $2 WHERE id = $1 AND NOT is_read",
		messageId,
		readAt,
	)

	return err
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c         Call
		status    string
		endedAt   sql.NullTime
		signaling []byte
	)

	err := row.Scan(
		&c.Id,
		&c.ThreadId,
		&c.CallerId,
		&c.CallerUsername,
		&c.RecipientId,
		&c.RecipientUsername,
		&c.IsVideoCall,
		&status,
		&c.StartedAt,
		&endedAt,
		&c.DurationSeconds,
		&signaling,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Call{}, err
	}

	c.Status = types.CallStatus(status)
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	if len(signaling) > 0 {
		if err := json.Unmarshal(signaling, &c.Signaling); err != nil {
			return Call{}, fmt.Errorf("decode signaling: %w", err)
		}
	}

	return c, nil
}

func (db *PgRepository) CreateCall(ctx context.Context, params CreateCallParams) (Call, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO calls (id, thread_id, caller_id, recipient_id, is_video_call, status, started_at, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7)",
		id,
		params.ThreadId,
		params.CallerId,
		params.RecipientId,
		params.IsVideoCall,
		string(types.CallInitiated),
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// calls_one_active_per_thread
			return Call{}, ErrConflict
		}
		return Call{}, fmt.Errorf("insert call: %w", err)
	}

	return db.GetCall(ctx, id)
}

func (db *PgRepository) GetCall(ctx context.Context, id string) (Call, error) {
	c, err := scanCall(db.conn.QueryRowContext(ctx, "SELECT"+callColumns+" WHERE c.id = $1", id))
	return c, noRows(err)
}

func (db *PgRepository) GetActiveCallForThread(ctx context.Context, threadId string) (Call, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT"+callColumns+" WHERE c.thread_id = $1 AND c.status = ANY($2) LIMIT 1",
		threadId,
		pq.Array(statusStrings(types.ActiveCallStatuses)),
	)

	c, err := scanCall(row)
	return c, noRows(err)
}

func (db *PgRepository) TransitionCall(ctx context.Context, params TransitionCallParams) (Call, error) {
	var endedAt sql.NullTime
	if params.EndedAt != nil {
		endedAt = sql.NullTime{Time: *params.EndedAt, Valid: true}
	}

	var duration sql.NullInt64
	if params.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*params.DurationSeconds), Valid: true}
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE calls SET status = $2, ended_at = COALESCE($3, ended_at), "+
			"duration_seconds = COALESCE($4, duration_seconds), updated_at = $5 "+
			"WHERE id = $1 AND status = ANY($6)",
		params.CallId,
		string(params.To),
		endedAt,
		duration,
		time.Now().UTC(),
		pq.Array(statusStrings(params.From)),
	)
	if err != nil {
		return Call{}, fmt.Errorf("update call: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Call{}, err
	}

	if n == 0 {
		if _, err := db.GetCall(ctx, params.CallId); err != nil {
			return Call{}, err
		}
		return Call{}, ErrConflict
	}

	return db.GetCall(ctx, params.CallId)
}

func (db *PgRepository) listCalls(ctx context.Context, query string, args ...any) ([]Call, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	calls := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, c)
	}

	return calls, rows.Err()
}

func (db *PgRepository) ListActiveCalls(ctx context.Context, userId string) ([]Call, error) {
	return db.listCalls(ctx,
		"SELECT"+callColumns+
			" WHERE (c.caller_id = $1 OR c.recipient_id = $1) AND c.status = ANY($2)"+
			" ORDER BY c.started_at DESC",
		userId,
		pq.Array(statusStrings(types.ActiveCallStatuses)),
	)
}

func (db *PgRepository) ListCallHistory(ctx context.Context, userId string, page, limit int) ([]Call, int, error) {
	offset, size := PageBounds(page, limit, DefaultCallPageSize)
	statuses := pq.Array(statusStrings(types.HistoryCallStatuses))

	calls, err := db.listCalls(ctx,
		"SELECT"+callColumns+
			" WHERE (c.caller_id = $1 OR c.recipient_id = $1) AND c.status = ANY($2)"+
			" ORDER BY c.started_at DESC LIMIT $3 OFFSET $4",
		userId,
		statuses,
		size,
		offset,
	)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := db.conn.QueryRowContext(ctx,
		"SELECT count(*) FROM calls WHERE (caller_id = $1 OR recipient_id = $1) AND status = ANY($2)",
		userId,
		statuses,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count calls: %w", err)
	}

	return calls, total, nil
}

func (db *PgRepository) AppendSignaling(ctx context.Context, callId string, kind SignalingKind, data json.RawMessage, at time.Time) (Call, error) {
	var (
		query string
		arg   any
	)

	switch kind {
	case SignalingOffer:
		query = "UPDATE calls SET signaling = jsonb_set(signaling, '{offer}', $2::jsonb), updated_at = $3 WHERE id = $1"
		arg = string(data)
	case SignalingAnswer:
		query = "UPDATE calls SET signaling = jsonb_set(signaling, '{answer}', $2::jsonb), updated_at = $3 WHERE id = $1"
		arg = string(data)
	case SignalingIceCandidate:
		entry, err := json.Marshal([]IceCandidate{{Candidate: data, Timestamp: at}})
		if err != nil {
			return Call{}, err
		}
		query = "UPDATE calls SET signaling = jsonb_set(signaling, '{iceCandidates}', " +
			"COALESCE(signaling->'iceCandidates', '[]'::jsonb) || $2::jsonb), updated_at = $3 WHERE id = $1"
		arg = string(entry)
	default:
		return Call{}, fmt.Errorf("unknown signaling kind %q", kind)
	}

	res, err := db.conn.ExecContext(ctx, query, callId, arg, at)
	if err != nil {
		return Call{}, fmt.Errorf("update signaling: %w", err)
	}

	if err := requireAffected(res); err != nil {
		return Call{}, err
	}

	return db.GetCall(ctx, callId)
}
