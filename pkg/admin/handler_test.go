package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/txn2/feedsync/pkg/action"
	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/lifecycle"
	"github.com/txn2/feedsync/pkg/protocol"
	"github.com/txn2/feedsync/pkg/removetracking"
	"github.com/txn2/feedsync/pkg/request"
	"github.com/txn2/feedsync/pkg/session"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// --- Mocks ---

type mockSessions struct{ mock.Mock }

func (m *mockSessions) Sessions() []*session.Session {
	return m.Called().Get(0).([]*session.Session)
}

func (m *mockSessions) LookupSession(id string) (*session.Session, bool) {
	args := m.Called(id)
	s, _ := args.Get(0).(*session.Session)
	return s, args.Bool(1)
}

func (m *mockSessions) CreateSession(ctx context.Context, done func(*session.Session, error)) error {
	return m.Called(ctx, done).Error(0)
}

func (m *mockSessions) TriggerRefresh(ctx context.Context, sessionID string, reason stream.RequestReason, uiContext []byte) error {
	return m.Called(ctx, sessionID, reason, uiContext).Error(0)
}

func (m *mockSessions) LoadMore(ctx context.Context, sessionID string, token stream.Token) error {
	return m.Called(ctx, sessionID, token).Error(0)
}

func (m *mockSessions) GetContent(ctx context.Context, ids []string) ([]stream.PayloadWithID, error) {
	args := m.Called(ctx, ids)
	p, _ := args.Get(0).([]stream.PayloadWithID)
	return p, args.Error(1)
}

type mockActions struct{ mock.Mock }

func (m *mockActions) Dismiss(ctx context.Context, ids []string, ops []stream.DataOperation, sessionID string) error {
	return m.Called(ctx, ids, ops, sessionID).Error(0)
}

func (m *mockActions) DismissLocal(ctx context.Context, ids []string, ops []stream.DataOperation, sessionID string) error {
	return m.Called(ctx, ids, ops, sessionID).Error(0)
}

func (m *mockActions) RecordView(ctx context.Context, contentID string) error {
	return m.Called(ctx, contentID).Error(0)
}

type mockReader struct{ mock.Mock }

func (m *mockReader) GetDismissActionsWithSemanticProperties(ctx context.Context) ([]action.DismissActionWithSemanticProperties, error) {
	args := m.Called(ctx)
	a, _ := args.Get(0).([]action.DismissActionWithSemanticProperties)
	return a, args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, event lifecycle.Event) {
	m.Called(ctx, event)
}

type staticOffline map[string]bool

func (s staticOffline) IsAvailableOffline(url string) bool { return s[url] }

// --- Helpers ---

func newSession(id string, contentIDs ...string) *session.Session {
	return session.NewFactory(clock.NewManual(testEpoch)).CreateFrom(id, contentIDs)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

// --- Tests ---

func TestHandler_RoutesFollowDeps(t *testing.T) {
	h := NewHandler(Deps{}, nil)
	w := do(t, h, http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	h = NewHandler(Deps{Info: func() SystemInfo { return SystemInfo{Version: "v1", Store: "memory"} }}, nil)
	w = do(t, h, http.MethodGet, "/api/v1/system/info", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v1", decode(t, w)["version"])
}

func TestHandler_AuthMiddleware(t *testing.T) {
	h := NewHandler(Deps{Offline: staticOffline{}}, RequireAPIKey("secret"))

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/offline?url=x", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offline?url=x", http.NoBody)
	req.Header.Set("X-API-Key", "wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/offline?url=x", http.NoBody)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListAndGetSessions(t *testing.T) {
	s := &mockSessions{}
	defer s.AssertExpectations(t)
	head := newSession(stream.HeadSessionID, "feature::rss:1")
	other := newSession("s1", "feature::rss:1", "feature::rss:2")
	s.On("Sessions").Return([]*session.Session{head, other})
	s.On("LookupSession", "s1").Return(other, true)
	s.On("LookupSession", "gone").Return(nil, false)

	h := NewHandler(Deps{Sessions: s}, nil)

	w := do(t, h, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.InDelta(t, 2, body["total"], 0)

	w = do(t, h, http.MethodGet, "/api/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "s1", got["id"])
	assert.Equal(t, false, got["head"])
	assert.Len(t, got["content_ids"], 2)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/sessions/gone", "").Code)
}

func TestCreateSession(t *testing.T) {
	s := &mockSessions{}
	defer s.AssertExpectations(t)
	created := newSession("new-id", "feature::rss:1")
	s.On("CreateSession", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		done := args.Get(1).(func(*session.Session, error))
		go done(created, nil)
	}).Return(nil).Once()
	s.On("CreateSession", mock.Anything, mock.Anything).Return(taskqueue.ErrResetting).Once()
	s.On("CreateSession", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		done := args.Get(1).(func(*session.Session, error))
		go done(nil, taskqueue.ErrResetting)
	}).Return(nil).Once()

	h := NewHandler(Deps{Sessions: s}, nil)

	w := do(t, h, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "new-id", decode(t, w)["id"])

	w = do(t, h, http.MethodPost, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusConflict, w.Code, "a task dropped by clear-all")
}

func TestGetSessionContent(t *testing.T) {
	s := &mockSessions{}
	defer s.AssertExpectations(t)
	sess := newSession("s1", "feature::rss:1")
	s.On("LookupSession", "s1").Return(sess, true)
	s.On("GetContent", mock.Anything, []string{"feature::rss:1"}).Return([]stream.PayloadWithID{{
		ContentID: "feature::rss:1",
		Payload:   stream.Payload{Feature: &stream.Feature{ContentID: "feature::rss:1"}},
	}}, nil)

	w := do(t, NewHandler(Deps{Sessions: s}, nil), http.MethodGet, "/api/v1/sessions/s1/content", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["content"], 1)
}

func TestRefreshSession(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		reason   stream.RequestReason
		err      error
		wantCode int
	}{
		{name: "default reason", reason: stream.ReasonHostRequested, wantCode: http.StatusAccepted},
		{name: "pull to refresh", body: `{"reason":"PULL_TO_REFRESH"}`, reason: stream.ReasonUserPullToRefresh, wantCode: http.StatusAccepted},
		{name: "no source", reason: stream.ReasonHostRequested, err: session.ErrNoRequestManager, wantCode: http.StatusNotImplemented},
		{name: "upstream failure", reason: stream.ReasonHostRequested, err: errors.New("502"), wantCode: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &mockSessions{}
			defer s.AssertExpectations(t)
			s.On("TriggerRefresh", mock.Anything, "s1", tt.reason, []byte(nil)).Return(tt.err)

			w := do(t, NewHandler(Deps{Sessions: s}, nil), http.MethodPost, "/api/v1/sessions/s1/refresh", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}

	t.Run("bad body", func(t *testing.T) {
		w := do(t, NewHandler(Deps{Sessions: &mockSessions{}}, nil), http.MethodPost, "/api/v1/sessions/s1/refresh", `{"bogus":1}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLoadMore(t *testing.T) {
	token := stream.Token{ContentID: "token::rss:2", NextToken: []byte("2")}
	s := &mockSessions{}
	defer s.AssertExpectations(t)
	s.On("GetContent", mock.Anything, []string{"token::rss:2"}).
		Return([]stream.PayloadWithID{{ContentID: token.ContentID, Payload: stream.Payload{Token: &token}}}, nil)
	s.On("GetContent", mock.Anything, []string{"token::rss:9"}).Return([]stream.PayloadWithID(nil), nil)
	s.On("LoadMore", mock.Anything, "s1", token).Return(nil).Once()
	s.On("LoadMore", mock.Anything, "s2", token).Return(request.ErrNoMoreContent).Once()

	h := NewHandler(Deps{Sessions: s}, nil)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/sessions/s1/more", `{"token_content_id":"token::rss:2"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/sessions/s2/more", `{"token_content_id":"token::rss:2"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/sessions/s1/more", `{"token_content_id":"token::rss:9"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/sessions/s1/more", "").Code)
}

func TestDismiss(t *testing.T) {
	removeOp := []stream.DataOperation{{Structure: stream.Structure{Operation: stream.OperationRemove, ContentID: "feature::rss:1"}}}
	a := &mockActions{}
	defer a.AssertExpectations(t)
	a.On("Dismiss", mock.Anything, []string{"feature::rss:1"}, removeOp, "s1").Return(nil).Once()
	a.On("DismissLocal", mock.Anything, []string{"feature::rss:1"}, removeOp, "s1").Return(nil).Once()
	a.On("RecordView", mock.Anything, "feature::rss:1").Return(nil).Once()

	h := NewHandler(Deps{Actions: a}, nil)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/sessions/s1/dismiss", `{"content_ids":["feature::rss:1"]}`).Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/sessions/s1/dismiss", `{"content_ids":["feature::rss:1"],"local_only":true}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/sessions/s1/dismiss", `{}`).Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/api/v1/content/feature::rss:1/view", "").Code)
}

func TestListDismissed(t *testing.T) {
	r := &mockReader{}
	defer r.AssertExpectations(t)
	r.On("GetDismissActionsWithSemanticProperties", mock.Anything).Return([]action.DismissActionWithSemanticProperties{{
		ContentID:        "feature::rss:1",
		WireContentID:    protocol.WireContentID{Table: "feature", ContentDomain: "rss", ID: "1"},
		TimestampSeconds: testEpoch.Unix(),
	}}, nil).Once()
	r.On("GetDismissActionsWithSemanticProperties", mock.Anything).Return(nil, errors.New("store down")).Once()

	h := NewHandler(Deps{Reader: r}, nil)
	w := do(t, h, http.MethodGet, "/api/v1/actions/dismissed", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Len(t, body["actions"], 1)
	first := body["actions"].([]any)[0].(map[string]any)
	assert.Equal(t, "feature::rss:1", first["wire_content_id"])

	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/v1/actions/dismissed", "").Code)
}

func TestPublishEvent(t *testing.T) {
	p := &mockPublisher{}
	defer p.AssertExpectations(t)
	p.On("Publish", mock.Anything, lifecycle.ClearAllWithRefresh).Return().Once()

	h := NewHandler(Deps{Lifecycle: p}, nil)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/lifecycle/clear_all_with_refresh", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/lifecycle/initialized", "").Code)
}

func TestOfflineStatus(t *testing.T) {
	h := NewHandler(Deps{Offline: staticOffline{"https://example.com/a": true}}, nil)

	w := do(t, h, http.MethodGet, "/api/v1/offline?url=https://example.com/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["available"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/offline", "").Code)
}

func TestCurrentSession(t *testing.T) {
	s := &mockSessions{}
	defer s.AssertExpectations(t)
	s.On("LookupSession", "s1").Return(newSession("s1", "feature::rss:1"), true)
	s.On("LookupSession", "gone").Return(nil, false)

	current := &removetracking.CurrentSession{}
	h := NewHandler(Deps{Sessions: s, Current: current}, nil)

	w := do(t, h, http.MethodGet, "/api/v1/sessions/current", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", decode(t, w)["session_id"])

	w = do(t, h, http.MethodPut, "/api/v1/sessions/s1/current", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s1", current.CurrentSessionID())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/v1/sessions/gone/current", "").Code)
	assert.Equal(t, "s1", current.CurrentSessionID())

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/sessions/"+stream.HeadSessionID+"/current", "").Code)
	w = do(t, h, http.MethodGet, "/api/v1/sessions/current", "")
	assert.Equal(t, stream.HeadSessionID, decode(t, w)["session_id"])
}
