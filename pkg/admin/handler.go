// Package admin provides the REST API a host uses to drive a feedsync engine:
// sessions, refreshes, dismiss actions, lifecycle events and offline status.
// Mutating calls are recorded to the audit log when one is configured.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/txn2/feedsync/pkg/action"
	"github.com/txn2/feedsync/pkg/audit"
	"github.com/txn2/feedsync/pkg/lifecycle"
	"github.com/txn2/feedsync/pkg/session"
	"github.com/txn2/feedsync/pkg/stream"
)

// Sessions is the session surface of the API. *session.Manager implements it.
type Sessions interface {
	Sessions() []*session.Session
	LookupSession(id string) (*session.Session, bool)
	CreateSession(ctx context.Context, done func(*session.Session, error)) error
	TriggerRefresh(ctx context.Context, sessionID string, reason stream.RequestReason, uiContext []byte) error
	LoadMore(ctx context.Context, sessionID string, token stream.Token) error
	GetContent(ctx context.Context, ids []string) ([]stream.PayloadWithID, error)
}

// Actions records user actions. *action.Manager implements it.
type Actions interface {
	Dismiss(ctx context.Context, contentIDs []string, ops []stream.DataOperation, sessionID string) error
	DismissLocal(ctx context.Context, contentIDs []string, ops []stream.DataOperation, sessionID string) error
	RecordView(ctx context.Context, contentID string) error
}

// DismissReader lists valid dismiss actions. *action.Reader implements it.
type DismissReader interface {
	GetDismissActionsWithSemanticProperties(ctx context.Context) ([]action.DismissActionWithSemanticProperties, error)
}

// OfflineStatus answers offline availability. *offline.Monitor implements it.
type OfflineStatus interface {
	IsAvailableOffline(url string) bool
}

// CurrentSession tracks the session the host is showing. Removals from it are
// reported to the known content listener. *removetracking.CurrentSession implements it.
type CurrentSession interface {
	Set(sessionID string)
	CurrentSessionID() string
}

// SystemInfo is returned by GET /api/v1/system/info.
type SystemInfo struct {
	Version             string  `json:"version"`
	Store               string  `json:"store"`
	Source              string  `json:"source,omitempty"`
	Uploads             bool    `json:"uploads"`
	SessionLifetime     string  `json:"session_lifetime"`
	DismissActionTTL    string  `json:"dismiss_action_ttl"`
	MinValidActionRatio float64 `json:"min_valid_action_ratio"`
	QueueLength         int     `json:"queue_length"`
}

// Deps holds the collaborators of the API. Routes whose dependency is nil
// are not registered.
type Deps struct {
	Sessions  Sessions
	Actions   Actions
	Reader    DismissReader
	Lifecycle lifecycle.Publisher
	Offline   OfflineStatus
	Current   CurrentSession
	Audit     audit.Logger
	Info      func() SystemInfo
}

// Handler provides the control API endpoints.
type Handler struct {
	mux        *http.ServeMux
	deps       Deps
	authMiddle func(http.Handler) http.Handler
}

// NewHandler creates a new control API handler.
func NewHandler(deps Deps, authMiddle func(http.Handler) http.Handler) *Handler {
	h := &Handler{
		mux:        http.NewServeMux(),
		deps:       deps,
		authMiddle: authMiddle,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authMiddle != nil {
		h.authMiddle(h.mux).ServeHTTP(w, r)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	if h.deps.Info != nil {
		h.mux.HandleFunc("GET /api/v1/system/info", h.getSystemInfo)
	}
	if h.deps.Sessions != nil {
		h.mux.HandleFunc("GET /api/v1/sessions", h.listSessions)
		h.mux.HandleFunc("POST /api/v1/sessions", h.audited(audit.OperationCreateSession, h.createSession))
		h.mux.HandleFunc("GET /api/v1/sessions/{id}", h.getSession)
		h.mux.HandleFunc("GET /api/v1/sessions/{id}/content", h.getSessionContent)
		h.mux.HandleFunc("POST /api/v1/sessions/{id}/refresh", h.audited(audit.OperationRefresh, h.refreshSession))
		h.mux.HandleFunc("POST /api/v1/sessions/{id}/more", h.audited(audit.OperationLoadMore, h.loadMore))
	}
	if h.deps.Current != nil {
		h.mux.HandleFunc("GET /api/v1/sessions/current", h.getCurrentSession)
		h.mux.HandleFunc("PUT /api/v1/sessions/{id}/current", h.audited(audit.OperationSetCurrent, h.setCurrentSession))
	}
	if h.deps.Actions != nil {
		h.mux.HandleFunc("POST /api/v1/sessions/{id}/dismiss", h.audited(audit.OperationDismiss, h.dismiss))
		h.mux.HandleFunc("POST /api/v1/content/{contentID}/view", h.audited(audit.OperationView, h.recordView))
	}
	if h.deps.Reader != nil {
		h.mux.HandleFunc("GET /api/v1/actions/dismissed", h.listDismissed)
	}
	if h.deps.Lifecycle != nil {
		h.mux.HandleFunc("POST /api/v1/lifecycle/{event}", h.audited(audit.OperationLifecycleEvent, h.publishEvent))
	}
	if h.deps.Offline != nil {
		h.mux.HandleFunc("GET /api/v1/offline", h.offlineStatus)
	}
	if h.deps.Audit != nil {
		h.mux.HandleFunc("GET /api/v1/audit", h.listAudit)
	}
}

func (h *Handler) getSystemInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Info())
}

// hostEvents are the lifecycle events a host may publish.
var hostEvents = map[lifecycle.Event]bool{
	lifecycle.ClearAll:            true,
	lifecycle.ClearAllWithRefresh: true,
	lifecycle.EnterBackground:     true,
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	event := lifecycle.Event(r.PathValue("event"))
	if !hostEvents[event] {
		writeError(w, http.StatusBadRequest, "unknown lifecycle event: "+string(event))
		return
	}
	h.deps.Lifecycle.Publish(r.Context(), event)
	writeJSON(w, http.StatusAccepted, map[string]string{"event": string(event)})
}

type offlineResponse struct {
	URL       string `json:"url"`
	Available bool   `json:"available"`
}

func (h *Handler) offlineStatus(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, offlineResponse{URL: url, Available: h.deps.Offline.IsAvailableOffline(url)})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
