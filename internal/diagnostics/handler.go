package diagnostics

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// PathPrefix is where the diagnostics routes are mounted.
const PathPrefix = "/debug/diagnostics"

// Handler serves on-demand captures. It refuses everything when disabled,
// and every request passes through the Authorizer first.
type Handler struct {
	enabled    bool
	authorizer Authorizer
	logger     *slog.Logger
}

// NewHandler constructs the diagnostics endpoints. A nil authorizer denies
// every request.
func NewHandler(enabled bool, authorizer Authorizer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{enabled: enabled, authorizer: authorizer, logger: logger}
}

// Register mounts the routes on router.
func (h *Handler) Register(router *mux.Router) {
	sub := router.PathPrefix(PathPrefix).Subrouter()
	sub.Use(h.gate)
	sub.HandleFunc("/goroutines", h.goroutines).Methods(http.MethodGet)
	sub.HandleFunc("/heap", h.heap).Methods(http.MethodGet)
	sub.HandleFunc("/trace", h.trace).Methods(http.MethodGet)
}

func (h *Handler) gate(next http.Handler) http.Handler {
	authorized := RequireAuthorization(h.authorizer, "diagnostics", h.logger)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.enabled {
			writeError(w, http.StatusForbidden, "diagnostics endpoints are disabled")
			return
		}
		authorized.ServeHTTP(w, r)
	})
}

// RequireAuthorization admits only requests the authorizer allows. A nil
// authorizer or an authorizer error denies with 403; a missing credential
// gets 401 with a Bearer challenge for realm.
func RequireAuthorization(authorizer Authorizer, realm string, logger *slog.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authorizer == nil {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			decision, err := authorizer.Authorize(r)
			if err != nil {
				logger.Warn("authorizer failed", slog.String("realm", realm), slog.Any("error", err))
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			switch decision {
			case Allow:
				next.ServeHTTP(w, r)
			case Unauthenticated:
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
			default:
				writeError(w, http.StatusForbidden, "forbidden")
			}
		})
	}
}

func (h *Handler) goroutines(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := WriteGoroutines(&buf); err != nil {
		h.fail(w, "goroutines", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) heap(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := WriteHeap(&buf); err != nil {
		h.fail(w, "heap", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="heap.pb.gz"`)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) trace(w http.ResponseWriter, r *http.Request) {
	d := time.Second
	if raw := r.URL.Query().Get("seconds"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "seconds must be a positive number")
			return
		}
		d = time.Duration(secs * float64(time.Second))
	}
	var buf bytes.Buffer
	if err := WriteTrace(r.Context(), &buf, d); err != nil {
		h.fail(w, "trace", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="trace.out"`)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) fail(w http.ResponseWriter, capture string, err error) {
	h.logger.Error("diagnostics capture failed", slog.String("capture", capture), slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, capture+" capture failed")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
