package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"stockledger/internal/core/apperror"
)

// IdempotencyStatus represents the state of an idempotent request.
type IdempotencyStatus string

const (
	IdempotencyStatusPending IdempotencyStatus = "pending"
	IdempotencyStatusSuccess IdempotencyStatus = "success"
	IdempotencyStatusFailed  IdempotencyStatus = "failed"
)

// stalePendingAfter is how long a pending key may sit before another request
// may take it over. A request that crashed never completes its key.
const stalePendingAfter = time.Minute

// IdempotencyRecord is one row of sys_idempotency.
type IdempotencyRecord struct {
	Key         string            `db:"idempotency_key"`
	UserID      string            `db:"user_id"`
	Operation   string            `db:"operation"`
	Status      IdempotencyStatus `db:"status"`
	RequestHash string            `db:"request_hash"`
	Response    []byte            `db:"response"`
	StatusCode  int               `db:"response_status"`
	ContentType string            `db:"response_content_type"`
	CreatedAt   time.Time         `db:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"`
	ExpiresAt   time.Time         `db:"expires_at"`
}

// IdempotencyReplay is a stored HTTP response.
type IdempotencyReplay struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdempotencyStore keeps request keys in the tenant database, so a retried
// reserve or transfer returns the first response instead of running twice.
type IdempotencyStore struct {
	txManager *TxManager
	ttl       time.Duration
	now       func() time.Time
}

// NewIdempotencyStore creates a store on the tenant's transaction manager.
func NewIdempotencyStore(txManager *TxManager, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		txManager: txManager,
		ttl:       ttl,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IdempotencyStoreFromContext builds a store on the request-scoped TxManager.
func IdempotencyStoreFromContext(ctx context.Context, ttl time.Duration) (*IdempotencyStore, error) {
	txm, err := TxManagerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return NewIdempotencyStore(txm, ttl), nil
}

const selectIdempotencySQL = `
	SELECT idempotency_key, user_id, operation, status, request_hash,
	       response, response_status, response_content_type,
	       created_at, updated_at, expires_at
	FROM sys_idempotency
	WHERE idempotency_key = $1
`

// AcquireKey claims key for one request.
// Returns:
//   - (nil, nil) if the caller owns the key and must run the request
//   - (replay, nil) if the request already finished
//   - (nil, IDEMPOTENCY_CONFLICT) if the key is in flight or reused for a different request
func (s *IdempotencyStore) AcquireKey(ctx context.Context, key, userID, operation, requestHash string) (*IdempotencyReplay, error) {
	now := s.now()
	q := s.txManager.GetQuerier(ctx)

	tag, err := q.Exec(ctx, `
		INSERT INTO sys_idempotency (idempotency_key, user_id, operation, status, request_hash, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, userID, operation, IdempotencyStatusPending, requestHash, now, now.Add(s.ttl))
	if err != nil {
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	var rec IdempotencyRecord
	err = q.QueryRow(ctx, selectIdempotencySQL, key).Scan(
		&rec.Key, &rec.UserID, &rec.Operation, &rec.Status, &rec.RequestHash,
		&rec.Response, &rec.StatusCode, &rec.ContentType,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted between the insert and the read; the client may retry.
		return nil, apperror.NewIdempotencyConflict(key)
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}

	if rec.ExpiresAt.Before(now) {
		return nil, s.reclaim(ctx, key, userID, operation, requestHash, true)
	}

	if rec.UserID != userID || rec.Operation != operation || rec.RequestHash != requestHash {
		return nil, apperror.NewIdempotencyMismatch(key).
			WithDetail("operation", rec.Operation)
	}

	switch rec.Status {
	case IdempotencyStatusSuccess, IdempotencyStatusFailed:
		return &IdempotencyReplay{
			StatusCode:  replayStatus(rec.StatusCode),
			ContentType: replayContentType(rec.ContentType),
			Body:        rec.Response,
		}, nil
	case IdempotencyStatusPending:
		if now.Sub(rec.UpdatedAt) > stalePendingAfter {
			return nil, s.reclaim(ctx, key, userID, operation, requestHash, false)
		}
	}
	return nil, apperror.NewIdempotencyConflict(key)
}

// reclaim takes over a key that expired or whose owner vanished. Only one of
// several racing requests sees the row updated.
func (s *IdempotencyStore) reclaim(ctx context.Context, key, userID, operation, requestHash string, expired bool) error {
	now := s.now()
	cond := "status = 'pending' AND updated_at < $8"
	cutoff := now.Add(-stalePendingAfter)
	if expired {
		cond = "expires_at < $8"
		cutoff = now
	}
	tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE sys_idempotency
		SET user_id = $2, operation = $3, request_hash = $4, status = $5,
		    response = NULL, response_status = 0, response_content_type = '',
		    updated_at = $6, expires_at = $7
		WHERE idempotency_key = $1 AND `+cond,
		key, userID, operation, requestHash, IdempotencyStatusPending, now, now.Add(s.ttl), cutoff)
	if err != nil {
		return fmt.Errorf("reclaim idempotency key: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return apperror.NewIdempotencyConflict(key)
	}
	return nil
}

// CompleteKey stores a successful response for replay.
func (s *IdempotencyStore) CompleteKey(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	return s.finish(ctx, key, IdempotencyStatusSuccess, statusCode, contentType, body)
}

// FailKey stores a client error response for replay.
func (s *IdempotencyStore) FailKey(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	return s.finish(ctx, key, IdempotencyStatusFailed, statusCode, contentType, body)
}

// ReleaseKey forgets a pending key so the request can be retried, used after
// server errors whose outcome must not be replayed.
func (s *IdempotencyStore) ReleaseKey(ctx context.Context, key string) error {
	_, err := s.txManager.GetQuerier(ctx).Exec(ctx,
		`DELETE FROM sys_idempotency WHERE idempotency_key = $1 AND status = $2`,
		key, IdempotencyStatusPending)
	return err
}

func (s *IdempotencyStore) finish(ctx context.Context, key string, status IdempotencyStatus, statusCode int, contentType string, body []byte) error {
	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE sys_idempotency
		SET status = $1,
		    response = $2,
		    response_status = $3,
		    response_content_type = $4,
		    updated_at = $5
		WHERE idempotency_key = $6
	`, status, body, statusCode, contentType, s.now(), key)
	return err
}

// CleanupExpired removes expired idempotency records.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := s.txManager.GetQuerier(ctx).Exec(ctx,
		`DELETE FROM sys_idempotency WHERE expires_at < $1`, s.now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func replayStatus(status int) int {
	if status == 0 {
		return 200
	}
	return status
}

func replayContentType(ct string) string {
	if ct == "" {
		return "application/json"
	}
	return ct
}
