package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

const (
	HeaderIdempotencyKey    = "X-Idempotency-Key"
	maxIdempotencyBodyBytes = 1 << 20
)

// IdempotencyStore records request keys and their responses.
type IdempotencyStore interface {
	AcquireKey(ctx context.Context, key, userID, operation, requestHash string) (*postgres.IdempotencyReplay, error)
	CompleteKey(ctx context.Context, key string, statusCode int, contentType string, body []byte) error
	FailKey(ctx context.Context, key string, statusCode int, contentType string, body []byte) error
	ReleaseKey(ctx context.Context, key string) error
}

// IdempotencyStoreFunc returns the store of the tenant bound to ctx.
type IdempotencyStoreFunc func(ctx context.Context) (IdempotencyStore, error)

// responseRecorder keeps a copy of the body written by the handler.
type responseRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the stored response of a POST/PUT/PATCH that carries
// an X-Idempotency-Key already seen for the same actor, route and body.
// 2xx and 4xx responses are stored; a 5xx frees the key for a retry.
// Must run after TenantDB and Identity.
func Idempotency(stores IdempotencyStoreFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		ctx := c.Request.Context()

		store, err := stores(ctx)
		if err != nil {
			_ = c.Error(apperror.NewInternal(err).WithDetail("component", "idempotency"))
			c.Abort()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIdempotencyBodyBytes+1))
		if err != nil {
			_ = c.Error(apperror.NewValidation("unreadable request body"))
			c.Abort()
			return
		}
		if len(body) > maxIdempotencyBodyBytes {
			appErr := apperror.NewValidation("request body too large for idempotency")
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			_ = c.Error(appErr.WithDetail("max_bytes", maxIdempotencyBodyBytes))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)

		operation := c.Request.Method + " " + c.FullPath()
		replay, err := store.AcquireKey(ctx, key, appctx.GetUserID(ctx), operation, hex.EncodeToString(sum[:]))
		if err != nil {
			if _, ok := apperror.AsAppError(err); !ok {
				err = apperror.NewInternal(err).WithDetail("component", "idempotency")
			}
			_ = c.Error(err)
			c.Abort()
			return
		}
		if replay != nil {
			c.Header("Idempotent-Replayed", "true")
			c.Data(replay.StatusCode, replay.ContentType, replay.Body)
			c.Abort()
			return
		}

		rec := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()
		writeError(c)

		// The request context may be cancelled by now.
		done := context.WithoutCancel(ctx)
		status := rec.Status()
		contentType := rec.Header().Get("Content-Type")
		switch {
		case status >= http.StatusInternalServerError:
			err = store.ReleaseKey(done, key)
		case status >= http.StatusBadRequest:
			err = store.FailKey(done, key, status, contentType, rec.body.Bytes())
		default:
			err = store.CompleteKey(done, key, status, contentType, rec.body.Bytes())
		}
		if err != nil {
			logger.Warn(ctx, "idempotency key not recorded", "key", key, "error", err)
		}
	}
}

// PostgresIdempotency stores keys in the tenant database bound by TenantDB.
func PostgresIdempotency(ttl time.Duration) IdempotencyStoreFunc {
	return func(ctx context.Context) (IdempotencyStore, error) {
		store, err := postgres.IdempotencyStoreFromContext(ctx, ttl)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
