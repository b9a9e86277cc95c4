package server

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// ResponseMeta contains metadata for API responses.
type ResponseMeta struct {
	RequestID string `json:"request_id"`
	LatencyMS int64  `json:"latency_ms"`
	Timestamp string `json:"timestamp"`
}

// WrappedResponse wraps API responses with data and metadata.
type WrappedResponse struct {
	Data interface{}  `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// responseWrapper buffers successful JSON bodies so they can be wrapped.
// Any other content type streams straight through.
type responseWrapper struct {
	http.ResponseWriter
	body        *bytes.Buffer
	statusCode  int
	decided     bool
	passthrough bool
}

func newResponseWrapper(w http.ResponseWriter) *responseWrapper {
	return &responseWrapper{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWrapper) decide() {
	if rw.decided {
		return
	}
	rw.decided = true
	ct := rw.Header().Get("Content-Type")
	rw.passthrough = rw.statusCode >= 400 || !strings.HasPrefix(ct, "application/json")
	if rw.passthrough {
		rw.ResponseWriter.WriteHeader(rw.statusCode)
	}
}

func (rw *responseWrapper) WriteHeader(code int) {
	if rw.decided {
		return
	}
	rw.statusCode = code
	rw.decide()
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	rw.decide()
	if rw.passthrough {
		return rw.ResponseWriter.Write(b)
	}
	return rw.body.Write(b)
}

// ResponseWrapperMiddleware wraps successful JSON responses in a data/meta
// envelope. Errors, downloads and /v1/version pass through unchanged.
func ResponseWrapperMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/version" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = GenerateRequestID()
		}

		rw := newResponseWrapper(w)
		next.ServeHTTP(rw, r)

		if !rw.decided {
			// handler wrote nothing
			w.WriteHeader(rw.statusCode)
			return
		}
		if rw.passthrough {
			return
		}

		var data interface{}
		if err := json.Unmarshal(rw.body.Bytes(), &data); err != nil {
			w.WriteHeader(rw.statusCode)
			w.Write(rw.body.Bytes())
			return
		}

		wrapped := WrappedResponse{
			Data: data,
			Meta: ResponseMeta{
				RequestID: requestID,
				LatencyMS: time.Since(start).Milliseconds(),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			},
		}

		w.Header().Set("X-Request-ID", requestID)
		w.WriteHeader(rw.statusCode)
		json.NewEncoder(w).Encode(wrapped)
	})
}

// GenerateRequestID generates a short unique request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
