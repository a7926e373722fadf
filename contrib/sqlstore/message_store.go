package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// MessageStore is the PostgreSQL storage.MessageStore.
type MessageStore struct {
	q querier
}

var _ storage.MessageStore = (*MessageStore)(nil)

func (s *MessageStore) Store(ctx context.Context, collection string, msg message.Message) (string, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	raw, err := encodeMessage(msg)
	if err != nil {
		return "", err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO hm_messages (id, collection, payload, created_at) VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (id) DO UPDATE SET collection = EXCLUDED.collection, payload = EXCLUDED.payload`,
		msg.ID.String(), collection, string(raw), msg.CreatedAt.UTC())
	if err != nil {
		return "", herrors.Transient("message.Store", "insert message", err)
	}
	return msg.ID.String(), nil
}

func (s *MessageStore) Retrieve(ctx context.Context, id string) (storage.StoredMessage, error) {
	var collection string
	var raw []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT collection, payload FROM hm_messages WHERE id = $1`, id).
		Scan(&collection, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.StoredMessage{}, herrors.NotFound("message.Retrieve", id)
	}
	if err != nil {
		return storage.StoredMessage{}, herrors.Transient("message.Retrieve", "select message", err)
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return storage.StoredMessage{}, err
	}
	return storage.StoredMessage{ID: id, Collection: collection, Message: msg}, nil
}

func (s *MessageStore) Update(ctx context.Context, id string, msg message.Message) (bool, error) {
	raw, err := encodeMessage(msg)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_messages SET payload = $2::jsonb WHERE id = $1`, id, string(raw))
	if err != nil {
		return false, herrors.Transient("message.Update", "update message", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, herrors.NotFound("message.Update", id)
	}
	return true, nil
}

func (s *MessageStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM hm_messages WHERE id = $1`, id)
	if err != nil {
		return false, herrors.Transient("message.Delete", "delete message", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *MessageStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM hm_messages WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, herrors.Transient("message.Exists", "select message", err)
	}
	return true, nil
}

func (s *MessageStore) Clear(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM hm_messages`); err != nil {
		return herrors.Transient("message.Clear", "delete messages", err)
	}
	return nil
}

// filterSQL renders f as a WHERE clause over hm_messages. Metadata
// predicates use jsonb containment on the envelope's metadata object;
// Contains does a substring match over the whole envelope text.
func filterSQL(f storage.MessageFilter) (where string, args []any) {
	var conds []string
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Collection != "" {
		add("collection = $%d", f.Collection)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To.UTC())
	}
	for k, v := range f.Metadata {
		add("payload->'metadata' @> $%d::jsonb", fmt.Sprintf(`{"%s": %q}`, k, fmt.Sprint(v)))
	}
	if f.Contains != "" {
		add("payload::text LIKE $%d", "%"+f.Contains+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *MessageStore) Count(ctx context.Context, f storage.MessageFilter) (int, error) {
	where, args := filterSQL(f)
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM hm_messages`+where, args...).Scan(&n)
	if err != nil {
		return 0, herrors.Transient("message.Count", "count messages", err)
	}
	return n, nil
}

func (s *MessageStore) Query(ctx context.Context, f storage.MessageFilter) (storage.MessageCursor, error) {
	if f.Limit <= 0 {
		return nil, herrors.Validation("message.Query", "filter.Limit must be > 0: unbounded listings are forbidden")
	}
	where, args := filterSQL(f)

	order := "created_at"
	if f.OrderBy == "id" {
		order = "id"
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT id, collection, payload FROM hm_messages%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		where, order, dir, len(args)-1, len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, herrors.Transient("message.Query", "select messages", err)
	}
	return &rowCursor{rows: rows}, nil
}

// rowCursor streams query results one row at a time, decoding lazily.
type rowCursor struct {
	rows    *sql.Rows
	current storage.StoredMessage
	err     error
}

func (c *rowCursor) Next(ctx context.Context) bool {
	if c.err != nil || ctx.Err() != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	var raw []byte
	if err := c.rows.Scan(&c.current.ID, &c.current.Collection, &raw); err != nil {
		c.err = err
		return false
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		c.err = err
		return false
	}
	c.current.Message = msg
	return true
}

func (c *rowCursor) Current() storage.StoredMessage { return c.current }
func (c *rowCursor) Err() error                     { return c.err }
func (c *rowCursor) Close() error                   { return c.rows.Close() }

// nullTime converts a nullable column to *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
