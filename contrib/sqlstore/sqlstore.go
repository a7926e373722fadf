// Package sqlstore is a PostgreSQL driver for the message, outbox and
// inbox store contracts, built on database/sql with the pgx stdlib
// adapter. It is optional: the core depends only on the abstract
// contracts and ships an in-memory reference driver; this package is
// what a production deployment plugs in when the outbox row must
// co-commit with business data in the same database.
//
// Claiming uses UPDATE ... WHERE status = 'pending' compare-and-set
// semantics, so multiple workers across processes cooperate without
// in-process locks.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so every store works both standalone and inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB owns the connection pool and hands out stores.
type DB struct {
	db *sql.DB
}

// Open connects to the PostgreSQL database at dsn.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, herrors.Transient("sqlstore.Open", "open database", err)
	}
	return &DB{db: db}, nil
}

// Wrap reuses an existing *sql.DB, e.g. one shared with the host's own
// repositories so outbox rows co-commit with business rows.
func Wrap(db *sql.DB) *DB { return &DB{db: db} }

// Close closes the underlying pool.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks connectivity, usable as a health probe.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Messages returns a message store running directly on the pool.
func (d *DB) Messages() *MessageStore { return &MessageStore{q: d.db} }

// Outbox returns an outbox store running directly on the pool.
func (d *DB) Outbox() *OutboxStore { return &OutboxStore{q: d.db} }

// Inbox returns an inbox store running directly on the pool.
func (d *DB) Inbox() *InboxStore { return &InboxStore{q: d.db} }

// Stores bundles transaction-scoped store handles: every operation on
// them participates in the enclosing transaction.
type Stores struct {
	Messages *MessageStore
	Outbox   *OutboxStore
	Inbox    *InboxStore
}

// WithTx runs fn inside one database transaction, handing it store
// handles bound to that transaction. On error or panic the transaction
// rolls back; a commit failure is returned as-is.
func (d *DB) WithTx(ctx context.Context, fn func(s *Stores) error) error {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return herrors.Transient("sqlstore.WithTx", "begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	s := &Stores{
		Messages: &MessageStore{q: tx},
		Outbox:   &OutboxStore{q: tx},
		Inbox:    &InboxStore{q: tx},
	}
	if err := fn(s); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return herrors.Transient("sqlstore.WithTx", "commit transaction", err)
	}
	return nil
}

// Schema is the DDL for the three tables. Hosts run it through their
// own migration tooling; Migrate applies it directly for tests and
// small deployments.
const Schema = `
CREATE TABLE IF NOT EXISTS hm_messages (
  id          TEXT PRIMARY KEY,
  collection  TEXT NOT NULL DEFAULT '',
  payload     JSONB NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS hm_messages_collection_idx ON hm_messages (collection, created_at);

CREATE TABLE IF NOT EXISTS hm_outbox (
  id            TEXT PRIMARY KEY,
  payload       JSONB NOT NULL,
  destination   TEXT NOT NULL,
  priority      INT NOT NULL DEFAULT 0,
  max_retries   INT NOT NULL DEFAULT 0,
  status        TEXT NOT NULL DEFAULT 'pending',
  retry_count   INT NOT NULL DEFAULT 0,
  created_at    TIMESTAMPTZ NOT NULL,
  processed_at  TIMESTAMPTZ,
  next_retry_at TIMESTAMPTZ,
  last_error    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS hm_outbox_pending_idx ON hm_outbox (status, next_retry_at, created_at);

CREATE TABLE IF NOT EXISTS hm_inbox (
  message_id   TEXT PRIMARY KEY,
  payload      JSONB NOT NULL,
  source       TEXT NOT NULL DEFAULT '',
  status       TEXT NOT NULL DEFAULT 'pending',
  received_at  TIMESTAMPTZ NOT NULL,
  processed_at TIMESTAMPTZ,
  error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS hm_inbox_unprocessed_idx ON hm_inbox (status, received_at);
`

// Migrate applies Schema.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, Schema); err != nil {
		return herrors.Transient("sqlstore.Migrate", "apply schema", err)
	}
	return nil
}

// envelope is the self-describing serialized form of a Message: a type
// tag plus the JSON-encoded body and identity fields.
type envelope struct {
	ID            string           `json:"id"`
	Kind          int              `json:"kind"`
	Type          string           `json:"type"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	CausationID   string           `json:"causation_id,omitempty"`
	Metadata      message.Metadata `json:"metadata,omitempty"`
}

func encodeMessage(msg message.Message) ([]byte, error) {
	env := envelope{
		ID:        msg.ID.String(),
		Kind:      int(msg.Kind),
		Type:      msg.Type,
		CreatedAt: msg.CreatedAt,
		Metadata:  msg.Metadata,
	}
	if msg.Payload != nil {
		body, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, herrors.Validation("sqlstore.encode", "payload is not serializable: "+err.Error())
		}
		env.Payload = body
	}
	if msg.CorrelationID != nil {
		env.CorrelationID = msg.CorrelationID.String()
	}
	if msg.CausationID != nil {
		env.CausationID = msg.CausationID.String()
	}
	return json.Marshal(env)
}

func decodeMessage(raw []byte) (message.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return message.Message{}, herrors.Fatal("sqlstore.decode", "", "stored payload is not a message envelope", err)
	}
	msg, err := env.toMessage()
	if err != nil {
		return message.Message{}, herrors.Fatal("sqlstore.decode", env.ID, "stored envelope carries invalid identifiers", err)
	}
	return msg, nil
}
