package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/txn2/feedsync/pkg/request"
	"github.com/txn2/feedsync/pkg/session"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
)

// sessionResponse describes one live session.
type sessionResponse struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Head       bool      `json:"head"`
	ContentIDs []string  `json:"content_ids"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:         s.ID(),
		CreatedAt:  s.CreatedAt(),
		Head:       s.IsHead(),
		ContentIDs: s.ContentIDs(),
	}
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.deps.Sessions.Sessions()
	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp, "total": len(resp)})
}

// createSession queues the session copy and waits for it to land.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	type result struct {
		s   *session.Session
		err error
	}
	done := make(chan result, 1)
	err := h.deps.Sessions.CreateSession(r.Context(), func(s *session.Session, err error) {
		done <- result{s: s, err: err}
	})
	if err != nil {
		writeQueueError(w, err)
		return
	}

	select {
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "session creation did not complete")
	case res := <-done:
		if res.err != nil {
			writeQueueError(w, res.err)
			return
		}
		writeJSON(w, http.StatusCreated, toSessionResponse(res.s))
	}
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.deps.Sessions.LookupSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

func (h *Handler) getSessionContent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.deps.Sessions.LookupSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	payloads, err := h.deps.Sessions.GetContent(r.Context(), s.ContentIDs())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": s.ID(), "content": payloads})
}

type currentResponse struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) getCurrentSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, currentResponse{SessionID: h.deps.Current.CurrentSessionID()})
}

// setCurrentSession marks the session the host is showing. HEAD is always
// accepted; other ids must name a live session when sessions are served.
func (h *Handler) setCurrentSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id != stream.HeadSessionID && h.deps.Sessions != nil {
		if _, ok := h.deps.Sessions.LookupSession(id); !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	}
	h.deps.Current.Set(id)
	writeJSON(w, http.StatusOK, currentResponse{SessionID: id})
}

type refreshRequest struct {
	Reason    stream.RequestReason `json:"reason"`
	UIContext []byte               `json:"ui_context,omitempty"`
}

// refreshSession fetches the stream head for the session. The merge is
// queued, so a 202 means the response was received, not that it landed.
func (h *Handler) refreshSession(w http.ResponseWriter, r *http.Request) {
	req := refreshRequest{Reason: stream.ReasonHostRequested}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.deps.Sessions.TriggerRefresh(r.Context(), r.PathValue("id"), req.Reason, req.UIContext); err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": r.PathValue("id")})
}

type loadMoreRequest struct {
	TokenContentID string `json:"token_content_id"`
}

func (h *Handler) loadMore(w http.ResponseWriter, r *http.Request) {
	var req loadMoreRequest
	if err := decodeBody(r, &req); err != nil || req.TokenContentID == "" {
		writeError(w, http.StatusBadRequest, "token_content_id is required")
		return
	}

	payloads, err := h.deps.Sessions.GetContent(r.Context(), []string{req.TokenContentID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(payloads) == 0 || payloads[0].Payload.Token == nil {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}

	if err := h.deps.Sessions.LoadMore(r.Context(), r.PathValue("id"), *payloads[0].Payload.Token); err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": r.PathValue("id")})
}

func writeRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoRequestManager):
		writeError(w, http.StatusNotImplemented, "no feed source configured")
	case errors.Is(err, request.ErrNoMoreContent):
		writeError(w, http.StatusNotFound, "no more content")
	case errors.Is(err, taskqueue.ErrResetting):
		writeQueueError(w, err)
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, taskqueue.ErrResetting) {
		writeError(w, http.StatusConflict, "engine is clearing; retry shortly")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
