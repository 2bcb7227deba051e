package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/txn2/feedsync/pkg/audit"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	maxErrorCapture   = 1024
)

// statusRecorder captures the status and the error body of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status >= http.StatusBadRequest && r.body.Len() < maxErrorCapture {
		r.body.Write(b[:min(len(b), maxErrorCapture-r.body.Len())])
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) errorMessage() string {
	if r.status < http.StatusBadRequest {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(r.body.Bytes(), &body); err == nil && body.Error != "" {
		return body.Error
	}
	return http.StatusText(r.status)
}

// audited records an audit event for each call of next.
func (h *Handler) audited(operation string, next http.HandlerFunc) http.HandlerFunc {
	if h.deps.Audit == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		event := audit.NewEvent(operation).
			WithSession(r.PathValue("id")).
			WithParameters(audit.SanitizeParameters(auditParameters(r))).
			WithResult(rec.status, rec.errorMessage(), time.Since(start).Milliseconds())
		if err := h.deps.Audit.Log(context.WithoutCancel(r.Context()), *event); err != nil {
			slog.Warn("audit log failed", "operation", operation, "error", err)
		}
	}
}

func auditParameters(r *http.Request) map[string]any {
	params := map[string]any{"path": r.URL.Path}
	for _, name := range []string{"event", "contentID"} {
		if v := r.PathValue(name); v != "" {
			params[name] = v
		}
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "querying audit log: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func parseAuditFilter(r *http.Request) (audit.QueryFilter, error) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		Operation: q.Get("operation"),
		SessionID: q.Get("session_id"),
		Limit:     defaultAuditLimit,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, errInvalidParam("limit")
		}
		filter.Limit = min(n, maxAuditLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errInvalidParam("offset")
		}
		filter.Offset = n
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errInvalidParam("success")
		}
		filter.Success = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errInvalidParam("since")
		}
		filter.StartTime = &t
	}
	return filter, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) + " parameter" }
