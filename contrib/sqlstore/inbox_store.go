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

// InboxStore is the PostgreSQL storage.InboxStore. The message-id
// primary key plus INSERT ... ON CONFLICT DO NOTHING is the dedup
// fence: the database decides the duplicate race, not the process.
type InboxStore struct {
	q querier
}

var _ storage.InboxStore = (*InboxStore)(nil)

func (s *InboxStore) Add(ctx context.Context, msg message.Message, opts storage.InboxOptions) (*storage.InboxEntry, error) {
	if msg.ID == uuid.Nil {
		return nil, herrors.Validation("inbox.Add", "message id is required")
	}
	raw, err := encodeMessage(msg)
	if err != nil {
		return nil, err
	}
	id := msg.ID.String()
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO hm_inbox (message_id, payload, source, status, received_at)
		 VALUES ($1, $2::jsonb, $3, 'pending', $4)
		 ON CONFLICT (message_id) DO NOTHING`,
		id, string(raw), opts.Source, now)
	if err != nil {
		return nil, herrors.Transient("inbox.Add", "insert entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return &storage.InboxEntry{
			ID:         id,
			Message:    msg,
			Options:    opts,
			Status:     storage.InboxPending,
			ReceivedAt: now,
		}, nil
	}

	// The id is already present. Outside the dedup window the old row is
	// treated as absent: replace it and hand back a fresh Pending entry.
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.DedupWindow > 0 && time.Since(existing.ReceivedAt) > opts.DedupWindow {
		_, err := s.q.ExecContext(ctx,
			`UPDATE hm_inbox SET payload = $2::jsonb, source = $3, status = 'pending',
			        received_at = $4, processed_at = NULL, error = ''
			 WHERE message_id = $1`,
			id, string(raw), opts.Source, now)
		if err != nil {
			return nil, herrors.Transient("inbox.Add", "refresh expired entry", err)
		}
		return &storage.InboxEntry{
			ID:         id,
			Message:    msg,
			Options:    opts,
			Status:     storage.InboxPending,
			ReceivedAt: now,
		}, nil
	}

	if opts.RequireIdempotency {
		return nil, nil // add-first duplicate signal, not an error
	}
	dup := *existing
	dup.Status = storage.InboxDuplicate
	return &dup, nil
}

func (s *InboxStore) IsDuplicate(ctx context.Context, messageID string, window time.Duration) (bool, error) {
	var receivedAt time.Time
	err := s.q.QueryRowContext(ctx,
		`SELECT received_at FROM hm_inbox WHERE message_id = $1`, messageID).Scan(&receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, herrors.Transient("inbox.IsDuplicate", "select entry", err)
	}
	if window <= 0 {
		return true, nil
	}
	return time.Since(receivedAt) <= window, nil
}

func scanInboxEntry(scan func(dest ...any) error) (storage.InboxEntry, error) {
	var (
		entry       storage.InboxEntry
		raw         []byte
		status      string
		processedAt sql.NullTime
	)
	err := scan(&entry.ID, &raw, &entry.Options.Source, &status, &entry.ReceivedAt, &processedAt, &entry.Error)
	if err != nil {
		return storage.InboxEntry{}, err
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return storage.InboxEntry{}, err
	}
	entry.Message = msg
	entry.Status = inboxStatuses[status]
	entry.ProcessedAt = nullTime(processedAt)
	entry.ReceivedAt = entry.ReceivedAt.UTC()
	return entry, nil
}

const inboxColumns = `message_id, payload, source, status, received_at, processed_at, error`

func (s *InboxStore) Get(ctx context.Context, messageID string) (*storage.InboxEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM hm_inbox WHERE message_id = $1`, messageID)
	entry, err := scanInboxEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herrors.NotFound("inbox.Get", messageID)
	}
	if err != nil {
		return nil, herrors.Transient("inbox.Get", "select entry", err)
	}
	return &entry, nil
}

func (s *InboxStore) TryClaim(ctx context.Context, messageID string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_inbox SET status = 'processing' WHERE message_id = $1 AND status = 'pending'`, messageID)
	if err != nil {
		return false, herrors.Transient("inbox.TryClaim", "claim entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, messageID); err != nil {
		return false, err
	}
	return false, nil
}

// Release is the inverse of TryClaim: Processing back to Pending.
func (s *InboxStore) Release(ctx context.Context, messageID string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_inbox SET status = 'pending' WHERE message_id = $1 AND status = 'processing'`, messageID)
	if err != nil {
		return false, herrors.Transient("inbox.Release", "release entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	switch current, err := s.inboxStatus(ctx, messageID); {
	case err != nil:
		return false, err
	case current == "":
		return false, herrors.NotFound("inbox.Release", messageID)
	case current == "pending":
		return true, nil
	default:
		return false, nil
	}
}

func (s *InboxStore) inboxStatus(ctx context.Context, messageID string) (string, error) {
	var status string
	err := s.q.QueryRowContext(ctx, `SELECT status FROM hm_inbox WHERE message_id = $1`, messageID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", herrors.Transient("inbox.status", "select status", err)
	}
	return status, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_inbox SET status = 'processed', processed_at = NOW()
		 WHERE message_id = $1 AND status IN ('pending', 'processing')`, messageID)
	if err != nil {
		return false, herrors.Transient("inbox.MarkProcessed", "update entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	switch current, err := s.inboxStatus(ctx, messageID); {
	case err != nil:
		return false, err
	case current == "":
		return false, herrors.NotFound("inbox.MarkProcessed", messageID)
	case current == "processed":
		return true, nil // idempotent terminal
	default:
		return false, herrors.Fatal("inbox.MarkProcessed", messageID, "entry is terminal", nil)
	}
}

func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, errMsg string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE hm_inbox SET status = 'failed', error = $2
		 WHERE message_id = $1 AND status IN ('pending', 'processing')`, messageID, errMsg)
	if err != nil {
		return false, herrors.Transient("inbox.MarkFailed", "update entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	switch current, err := s.inboxStatus(ctx, messageID); {
	case err != nil:
		return false, err
	case current == "":
		return false, herrors.NotFound("inbox.MarkFailed", messageID)
	case current == "failed":
		return true, nil // idempotent terminal
	default:
		return false, herrors.Fatal("inbox.MarkFailed", messageID, "entry is terminal", nil)
	}
}

func (s *InboxStore) GetUnprocessed(ctx context.Context, limit int) ([]storage.InboxEntry, error) {
	if limit <= 0 {
		return nil, herrors.Validation("inbox.GetUnprocessed", "limit must be > 0")
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+inboxColumns+` FROM hm_inbox WHERE status = 'pending' ORDER BY received_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, herrors.Transient("inbox.GetUnprocessed", "select unprocessed", err)
	}
	defer rows.Close()

	var out []storage.InboxEntry
	for rows.Next() {
		entry, err := scanInboxEntry(rows.Scan)
		if err != nil {
			return nil, herrors.Transient("inbox.GetUnprocessed", "scan entry", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.Transient("inbox.GetUnprocessed", "iterate unprocessed", err)
	}
	return out, nil
}

func (s *InboxStore) GetUnprocessedCount(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM hm_inbox WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, herrors.Transient("inbox.GetUnprocessedCount", "count unprocessed", err)
	}
	return n, nil
}

func (s *InboxStore) CleanupOldEntries(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM hm_inbox WHERE received_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, herrors.Transient("inbox.CleanupOldEntries", "delete entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
