package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"flashpool/services/flashloand/journal"
)

type idempotencyContextKey string

const contextKeyIdempotency idempotencyContextKey = "idempotency-key"

// IdempotencyKeyFromContext returns the key the request was submitted under.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// WithIdempotency replays the stored response when a caller repeats a request
// under the same Idempotency-Key header. Keys are scoped to the token subject
// so one caller cannot read another's receipt. Server errors are not stored
// and may be retried.
func WithIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" || db == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 128 {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}
			subject := ""
			if principal, ok := PrincipalFromContext(r.Context()); ok {
				subject = principal.Subject
			}

			var record journal.IdempotencyKey
			err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error
			switch {
			case err == nil:
				if record.Subject != subject || record.Path != r.URL.Path {
					http.Error(w, "idempotency key reused", http.StatusConflict)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			payload := journal.IdempotencyKey{
				Key:       key,
				Subject:   subject,
				RequestID: uuid.NewString(),
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    status,
				Response:  recorder.buf.String(),
				CreatedAt: time.Now().UTC(),
			}
			_ = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
