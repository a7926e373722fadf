package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// OutboxStore is the PostgreSQL storage.OutboxStore. The entry id is
// the message id, so a producer retrying the same message hits the
// primary key instead of inserting a second row.
type OutboxStore struct {
	q querier
}

var _ storage.OutboxStore = (*OutboxStore)(nil)

func (s *OutboxStore) Add(ctx context.Context, msg message.Message, opts storage.OutboxOptions) (string, error) {
	if opts.Destination == "" {
		return "", herrors.Validation("outbox.Add", "options.Destination is required")
	}
	if opts.MaxRetries < 0 {
		return "", herrors.Validation("outbox.Add", "options.MaxRetries must be >= 0")
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	raw, err := encodeMessage(msg)
	if err != nil {
		return "", err
	}
	id := msg.ID.String()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO hm_outbox (id, payload, destination, priority, max_retries, status, created_at)
		 VALUES ($1, $2::jsonb, $3, $4, $5, 'pending', $6)
		 ON CONFLICT (id) DO NOTHING`,
		id, string(raw), opts.Destination, opts.Priority, opts.MaxRetries, time.Now().UTC())
	if err != nil {
		return "", herrors.Transient("outbox.Add", "insert entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", herrors.Conflict("outbox.Add", "entry already exists for id "+id)
	}
	return id, nil
}

const outboxColumns = `id, payload, destination, priority, max_retries, status, retry_count, created_at, processed_at, next_retry_at, last_error`

func scanOutboxEntry(scan func(dest ...any) error) (storage.OutboxEntry, error) {
	var (
		entry       storage.OutboxEntry
		raw         []byte
		status      string
		processedAt sql.NullTime
		nextRetryAt sql.NullTime
	)
	err := scan(&entry.ID, &raw, &entry.Options.Destination, &entry.Options.Priority,
		&entry.Options.MaxRetries, &status, &entry.RetryCount, &entry.CreatedAt,
		&processedAt, &nextRetryAt, &entry.LastError)
	if err != nil {
		return storage.OutboxEntry{}, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return storage.OutboxEntry{}, err
	}
	entry.Message = msg
	// Options.Backoff is a function and is not persisted; reloaded
	// entries fall back to the engine's default policy.
	entry.Status = outboxStatuses[status]
	entry.ProcessedAt = nullTime(processedAt)
	entry.NextRetryAt = nullTime(nextRetryAt)
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (s *OutboxStore) Get(ctx context.Context, id string) (storage.OutboxEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM hm_outbox WHERE id = $1`, id)
	entry, err := scanOutboxEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.OutboxEntry{}, herrors.NotFound("outbox.Get", id)
	}
	if err != nil {
		return storage.OutboxEntry{}, herrors.Transient("outbox.Get", "select entry", err)
	}
	return entry, nil
}

// TryClaim is the compare-and-set transition Pending -> Processing: the
// status predicate in the UPDATE makes the database arbitrate between
// competing workers.
func (s *OutboxStore) TryClaim(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_outbox SET status = 'processing' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, herrors.Transient("outbox.TryClaim", "claim entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	exists, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, herrors.NotFound("outbox.TryClaim", id)
	}
	return false, nil
}

func (s *OutboxStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM hm_outbox WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, herrors.Transient("outbox.exists", "select entry", err)
	}
	return true, nil
}

func (s *OutboxStore) GetPending(ctx context.Context, limit int) ([]storage.OutboxEntry, error) {
	if limit <= 0 {
		return nil, herrors.Validation("outbox.GetPending", "limit must be > 0")
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM hm_outbox
		 WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		 ORDER BY priority DESC, created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, herrors.Transient("outbox.GetPending", "select pending", err)
	}
	defer rows.Close()

	var out []storage.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows.Scan)
		if err != nil {
			return nil, herrors.Transient("outbox.GetPending", "scan entry", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.Transient("outbox.GetPending", "iterate pending", err)
	}
	return out, nil
}

func (s *OutboxStore) status(ctx context.Context, id string) (string, error) {
	var status string
	err := s.q.QueryRowContext(ctx, `SELECT status FROM hm_outbox WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", herrors.Transient("outbox.status", "select status", err)
	}
	return status, nil
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_outbox SET status = 'processed', processed_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return false, herrors.Transient("outbox.MarkProcessed", "update entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	switch current, err := s.status(ctx, id); {
	case err != nil:
		return false, err
	case current == "":
		return false, herrors.NotFound("outbox.MarkProcessed", id)
	case current == "processed":
		return true, nil // idempotent terminal
	default:
		return false, herrors.Fatal("outbox.MarkProcessed", id, "entry is terminally Failed", nil)
	}
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_outbox SET status = 'failed', last_error = $2
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, lastError)
	if err != nil {
		return false, herrors.Transient("outbox.MarkFailed", "update entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	switch current, err := s.status(ctx, id); {
	case err != nil:
		return false, err
	case current == "":
		return false, herrors.NotFound("outbox.MarkFailed", id)
	case current == "failed":
		return true, nil // idempotent terminal
	default:
		return false, herrors.Fatal("outbox.MarkFailed", id, "entry is terminally Processed", nil)
	}
}

func (s *OutboxStore) UpdateRetryCount(ctx context.Context, id string, retryCount int, nextRetryAt *time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_outbox SET retry_count = $2, next_retry_at = $3, status = 'pending'
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, retryCount, nextRetryAt)
	if err != nil {
		return herrors.Transient("outbox.UpdateRetryCount", "update entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	switch current, err := s.status(ctx, id); {
	case err != nil:
		return err
	case current == "":
		return herrors.NotFound("outbox.UpdateRetryCount", id)
	default:
		return herrors.Fatal("outbox.UpdateRetryCount", id, "entry is terminal", nil)
	}
}

func (s *OutboxStore) GetPendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM hm_outbox WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, herrors.Transient("outbox.GetPendingCount", "count pending", err)
	}
	return n, nil
}

func (s *OutboxStore) GetFailed(ctx context.Context, limit int) ([]storage.OutboxEntry, error) {
	if limit <= 0 {
		return nil, herrors.Validation("outbox.GetFailed", "limit must be > 0")
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM hm_outbox WHERE status = 'failed' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, herrors.Transient("outbox.GetFailed", "select failed", err)
	}
	defer rows.Close()

	var out []storage.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows.Scan)
		if err != nil {
			return nil, herrors.Transient("outbox.GetFailed", "scan entry", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.Transient("outbox.GetFailed", "iterate failed", err)
	}
	return out, nil
}

func (s *OutboxStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM hm_outbox WHERE status IN ('processed', 'failed') AND created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, herrors.Transient("outbox.PurgeOlderThan", "delete entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
