package admin

import (
	"net/http"

	"github.com/txn2/feedsync/pkg/stream"
)

type dismissRequest struct {
	ContentIDs []string `json:"content_ids"`

	// LocalOnly records the dismiss without queueing it for upload.
	LocalOnly bool `json:"local_only"`
}

// dismiss records a dismiss of the given content and removes it from the session.
func (h *Handler) dismiss(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if err := decodeBody(r, &req); err != nil || len(req.ContentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "content_ids is required")
		return
	}

	ops := make([]stream.DataOperation, 0, len(req.ContentIDs))
	for _, id := range req.ContentIDs {
		ops = append(ops, stream.DataOperation{
			Structure: stream.Structure{Operation: stream.OperationRemove, ContentID: id},
		})
	}

	sessionID := r.PathValue("id")
	record := h.deps.Actions.Dismiss
	if req.LocalOnly {
		record = h.deps.Actions.DismissLocal
	}
	if err := record(r.Context(), req.ContentIDs, ops, sessionID); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": sessionID, "dismissed": len(req.ContentIDs)})
}

func (h *Handler) recordView(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Actions.RecordView(r.Context(), r.PathValue("contentID")); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type dismissedResponse struct {
	ContentID          string `json:"content_id"`
	WireContentID      string `json:"wire_content_id"`
	SemanticProperties []byte `json:"semantic_properties,omitempty"`
	TimestampSeconds   int64  `json:"timestamp_seconds"`
}

func (h *Handler) listDismissed(w http.ResponseWriter, r *http.Request) {
	actions, err := h.deps.Reader.GetDismissActionsWithSemanticProperties(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]dismissedResponse, 0, len(actions))
	for _, a := range actions {
		resp = append(resp, dismissedResponse{
			ContentID:          a.ContentID,
			WireContentID:      a.WireContentID.String(),
			SemanticProperties: a.SemanticProperties,
			TimestampSeconds:   a.TimestampSeconds,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": resp, "total": len(resp)})
}
