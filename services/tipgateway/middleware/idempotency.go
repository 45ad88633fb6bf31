package middleware

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/models"
)

// HeaderIdempotencyKey carries the client-supplied replay key.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotencyKeyLength = 128

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Only responses below 500 are stored so server failures can be retried.
type Idempotency struct {
	db       *gorm.DB
	logger   *slog.Logger
	inflight sync.Map
	now      func() time.Time
}

// NewIdempotency constructs the replay middleware.
func NewIdempotency(db *gorm.DB, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, logger: logger, now: time.Now}
}

// Middleware wraps next with key-based replay.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeError(w, apperr.ErrValidation, "idempotency key too long")
			return
		}

		var record models.IdempotencyKey
		err := i.db.WithContext(r.Context()).First(&record, "key = ?", key).Error
		switch {
		case err == nil:
			if record.Method != r.Method || record.Path != r.URL.Path {
				writeError(w, apperr.ErrConflict, "idempotency key reused for a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			i.logger.Error("idempotency lookup failed", slog.Any("error", err))
			writeError(w, apperr.ErrPersistence, "idempotency lookup failed")
			return
		}

		if _, busy := i.inflight.LoadOrStore(key, struct{}{}); busy {
			writeError(w, apperr.ErrConflict, "a request with this idempotency key is in progress")
			return
		}
		defer i.inflight.Delete(key)

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if recorder.status >= http.StatusInternalServerError {
			return
		}

		payload := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf.String(),
			CreatedAt: i.now().UTC(),
		}
		if err := i.db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error; err != nil {
			i.logger.Warn("idempotency record not stored", slog.Any("error", err))
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (rr *responseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
