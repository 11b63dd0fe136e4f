package httpiface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dev-assistant/domain/chat"
	"dev-assistant/domain/persistence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock relay for testing; the script decides which events the session produces
type MockRelayService struct {
	mock.Mock
}

type relayScript func(session *chat.Session, w chat.EventWriter)

func (m *MockRelayService) Run(session *chat.Session, w chat.EventWriter) *chat.Session {
	args := m.Called(session.ID, session.Request)
	if script, ok := args.Get(0).(relayScript); ok && script != nil {
		script(session, w)
	}
	return session
}

type MockHealthProbe struct {
	mock.Mock
}

func (m *MockHealthProbe) Probe(ctx context.Context) bool {
	return m.Called().Bool(0)
}

type MockAuditTracker struct {
	mock.Mock
}

func (m *MockAuditTracker) RecordExchange(ctx context.Context, event persistence.RecordExchangeEvent) error {
	return m.Called(event).Error(0)
}

func (m *MockAuditTracker) SubmitFeedback(ctx context.Context, conversationID uuid.UUID, feedbackType persistence.FeedbackType, comment string) error {
	return m.Called(conversationID, feedbackType, comment).Error(0)
}

type MockConversationRepository struct {
	mock.Mock
}

func (m *MockConversationRepository) Create(ctx context.Context, entity *persistence.ConversationRecord) error {
	return m.Called(entity).Error(0)
}

func (m *MockConversationRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ConversationRecord, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*persistence.ConversationRecord), args.Error(1)
}

func (m *MockConversationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(id).Error(0)
}

func (m *MockConversationRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*persistence.ConversationRecord, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*persistence.ConversationRecord), args.Error(1)
}

func (m *MockConversationRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.ConversationRecord, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*persistence.ConversationRecord), args.Error(1)
}

func (m *MockConversationRepository) UpdateOutcome(ctx context.Context, id uuid.UUID, outcome persistence.SessionOutcome) error {
	return m.Called(id, outcome).Error(0)
}

type MockDatabaseHealth struct {
	mock.Mock
}

func (m *MockDatabaseHealth) Health(ctx context.Context) error {
	return m.Called().Error(0)
}

type stubProcessor struct {
	health persistence.ProcessorHealth
}

func (s *stubProcessor) Start(ctx context.Context) error       { return nil }
func (s *stubProcessor) Stop() error                          { return nil }
func (s *stubProcessor) ProcessEvent(event interface{}) error { return nil }
func (s *stubProcessor) Health() persistence.ProcessorHealth  { return s.health }

type staticBreakers map[string]string

func (s staticBreakers) GetCircuitStates() map[string]string { return s }

type staticTemplates []chat.Template

func (s staticTemplates) Templates() []chat.Template { return s }

var testTemplates = staticTemplates{
	{Key: "general", Name: "General Assistant", Description: "General development questions and guidance"},
	{Key: "refactor", Name: "Code Refactoring", Description: "Improve code quality and maintainability"},
}

type routerFixture struct {
	relay         *MockRelayService
	probe         *MockHealthProbe
	tracker       *MockAuditTracker
	conversations *MockConversationRepository
	db            *MockDatabaseHealth
	processor     *stubProcessor
}

func newRouterFixture() *routerFixture {
	return &routerFixture{
		relay:         &MockRelayService{},
		probe:         &MockHealthProbe{},
		tracker:       &MockAuditTracker{},
		conversations: &MockConversationRepository{},
		db:            &MockDatabaseHealth{},
		processor:     &stubProcessor{health: persistence.ProcessorHealth{IsRunning: true}},
	}
}

func (f *routerFixture) plain() http.Handler {
	return NewRouter(f.relay, testTemplates, f.probe, []string{"*"}).SetupRoutes()
}

func (f *routerFixture) withPersistence() http.Handler {
	return NewRouterWithPersistence(f.relay, testTemplates, f.probe, []string{"*"}, f.tracker, f.conversations, f.db, f.processor).SetupRoutes()
}

func serve(h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeFrames(t *testing.T, body string) []chat.StreamEvent {
	t.Helper()
	var events []chat.StreamEvent
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "unexpected frame %q", frame)
		var ev chat.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestNewRouter(t *testing.T) {
	f := newRouterFixture()
	corsOrigins := []string{"https://example.com", "https://test.com"}

	router := NewRouter(f.relay, testTemplates, f.probe, corsOrigins)

	assert.NotNil(t, router)
	assert.Equal(t, f.relay, router.relay)
	assert.Equal(t, corsOrigins, router.corsOrigins)
	assert.Nil(t, router.tracker)
	assert.Nil(t, router.dbManager)
}

func TestRouter_SetupRoutes(t *testing.T) {
	f := newRouterFixture()

	routePaths := func(router *Router) []string {
		routes := router.SetupRoutes().Routes()
		paths := make([]string, len(routes))
		for i, route := range routes {
			paths[i] = route.Method + " " + route.Path
		}
		return paths
	}

	plain := routePaths(NewRouter(f.relay, testTemplates, f.probe, []string{"*"}))
	assert.Contains(t, plain, "GET /live")
	assert.Contains(t, plain, "GET /ready")
	assert.Contains(t, plain, "POST /api/chat/stream")
	assert.Contains(t, plain, "GET /api/chat/templates")
	assert.Contains(t, plain, "GET /api/chat/health")
	assert.NotContains(t, plain, "POST /api/chat/feedback")

	full := routePaths(NewRouterWithPersistence(f.relay, testTemplates, f.probe, []string{"*"}, f.tracker, f.conversations, f.db, f.processor))
	assert.Contains(t, full, "POST /api/chat/feedback")
	assert.Contains(t, full, "GET /api/conversations")
	assert.Contains(t, full, "GET /api/conversations/:id")
}

func TestRouter_streamChat_WritesEventStream(t *testing.T) {
	f := newRouterFixture()
	requestID := uuid.New()

	f.relay.On("Run", requestID, chat.StreamRequest{UserInput: "why?", Template: "general"}).Return(relayScript(func(s *chat.Session, w chat.EventWriter) {
		_ = w.Write(chat.NewStartEvent())
		_ = w.Write(chat.NewChunkEvent("Because"))
		_ = w.Write(chat.NewChunkEvent("\nreasons"))
		_ = w.Write(chat.NewCompleteEvent("Because\nreasons"))
	}))

	body := []byte(`{"userInput":"why?","template":"general"}`)
	w := serve(f.plain(), http.MethodPost, "/api/chat/stream", body, map[string]string{"X-Request-ID": requestID.String()})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, requestID.String(), w.Header().Get("X-Request-ID"))
	assert.Equal(t, requestID.String(), w.Header().Get("X-Session-ID"))

	events := decodeFrames(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, chat.EventStart, events[0].Type)
	assert.Equal(t, "Because", events[1].Data)
	assert.Equal(t, "\nreasons", events[2].Data)
	assert.Equal(t, chat.EventComplete, events[3].Type)
	assert.Equal(t, "Because\nreasons", events[3].Data)

	f.relay.AssertExpectations(t)
}

func TestRouter_streamChat_GeneratesSessionID(t *testing.T) {
	f := newRouterFixture()

	var seen uuid.UUID
	f.relay.On("Run", mock.AnythingOfType("uuid.UUID"), mock.Anything).Run(func(args mock.Arguments) {
		seen = args.Get(0).(uuid.UUID)
	}).Return(relayScript(func(s *chat.Session, w chat.EventWriter) {
		_ = w.Write(chat.NewErrorEvent(chat.MessageUpstreamUnavailable))
	}))

	w := serve(f.plain(), http.MethodPost, "/api/chat/stream", []byte(`{"userInput":"hi"}`), map[string]string{"X-Request-ID": "not-a-uuid"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, uuid.Nil, seen)
	assert.Equal(t, seen.String(), w.Header().Get("X-Session-ID"))
	assert.Equal(t, "not-a-uuid", w.Header().Get("X-Client-Request-ID"))

	events := decodeFrames(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, chat.EventError, events[0].Type)
	assert.Equal(t, "upstream unavailable", events[0].Data)
}

func TestRouter_streamChat_Rejected(t *testing.T) {
	f := newRouterFixture()
	f.relay.On("Run", mock.Anything, chat.StreamRequest{UserInput: "   "}).Return(relayScript(func(s *chat.Session, w chat.EventWriter) {
		require.NoError(t, s.Transition(chat.StateValidating))
		require.NoError(t, s.Finish(chat.StateRejected, chat.ErrInvalidRequest))
	}))

	w := serve(f.plain(), http.MethodPost, "/api/chat/stream", []byte(`{"userInput":"   "}`), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "User input is required", w.Body.String())
	assert.NotContains(t, w.Body.String(), "data:")
}

func TestRouter_streamChat_InvalidJSON(t *testing.T) {
	f := newRouterFixture()

	w := serve(f.plain(), http.MethodPost, "/api/chat/stream", []byte(`{"userInput":`), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request body", w.Body.String())
	f.relay.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRouter_listTemplates(t *testing.T) {
	f := newRouterFixture()

	w := serve(f.plain(), http.MethodGet, "/api/chat/templates", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var templates []chat.Template
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &templates))
	assert.Equal(t, []chat.Template(testTemplates), templates)
}

func TestRouter_healthCheck(t *testing.T) {
	tests := []struct {
		name       string
		upstreamUp bool
		dbErr      error
		persist    bool
		want       chat.HealthStatus
	}{
		{
			name:       "upstream up without persistence",
			upstreamUp: true,
			want:       chat.HealthStatus{IsHealthy: true, UpstreamStatus: "Connected", DatabaseStatus: "Disabled"},
		},
		{
			name:       "upstream down",
			upstreamUp: false,
			want:       chat.HealthStatus{IsHealthy: false, UpstreamStatus: "Disconnected", DatabaseStatus: "Disabled"},
		},
		{
			name:       "database connected",
			upstreamUp: true,
			persist:    true,
			want:       chat.HealthStatus{IsHealthy: true, UpstreamStatus: "Connected", DatabaseStatus: "Connected"},
		},
		{
			name:       "database failure does not affect health",
			upstreamUp: true,
			persist:    true,
			dbErr:      errors.New("connection refused"),
			want:       chat.HealthStatus{IsHealthy: true, UpstreamStatus: "Connected", DatabaseStatus: "Not Available"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			f.probe.On("Probe").Return(tt.upstreamUp)
			f.db.On("Health").Return(tt.dbErr)

			h := f.plain()
			if tt.persist {
				h = f.withPersistence()
			}
			w := serve(h, http.MethodGet, "/api/chat/health", nil, nil)

			assert.Equal(t, http.StatusOK, w.Code)
			var got chat.HealthStatus
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.False(t, got.Timestamp.IsZero())
			got.Timestamp = tt.want.Timestamp
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_liveness(t *testing.T) {
	f := newRouterFixture()

	w := serve(f.plain(), http.MethodGet, "/live", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"alive"`)
	f.probe.AssertNotCalled(t, "Probe")
}

func TestRouter_readiness(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		f := newRouterFixture()
		f.probe.On("Probe").Return(true)
		f.db.On("Health").Return(nil)

		w := serve(f.withPersistence(), http.MethodGet, "/ready", nil, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"ready"`)
	})

	t.Run("upstream down", func(t *testing.T) {
		f := newRouterFixture()
		f.probe.On("Probe").Return(false)

		w := serve(f.plain(), http.MethodGet, "/ready", nil, nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"not_ready"`)
	})

	t.Run("reports breaker states", func(t *testing.T) {
		f := newRouterFixture()
		f.probe.On("Probe").Return(true)
		router := NewRouter(f.relay, testTemplates, f.probe, []string{"*"}).
			WithCircuitStates(staticBreakers{"llama3-2": "open"})

		w := serve(router.SetupRoutes(), http.MethodGet, "/ready", nil, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"circuit_breakers":{"llama3-2":"open"}`)
	})

	t.Run("processor stopped", func(t *testing.T) {
		f := newRouterFixture()
		f.probe.On("Probe").Return(true)
		f.db.On("Health").Return(nil)
		f.processor.health.IsRunning = false

		w := serve(f.withPersistence(), http.MethodGet, "/ready", nil, nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"is_running":false`)
	})
}

func TestRouter_submitFeedback(t *testing.T) {
	conversationID := uuid.New()

	t.Run("accepted", func(t *testing.T) {
		f := newRouterFixture()
		f.tracker.On("SubmitFeedback", conversationID, persistence.FeedbackThumbsUp, "spot on").Return(nil)

		body := []byte(fmt.Sprintf(`{"sessionId":%q,"type":"thumbs_up","comment":"spot on"}`, conversationID))
		w := serve(f.withPersistence(), http.MethodPost, "/api/chat/feedback", body, nil)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), conversationID.String())
		f.tracker.AssertExpectations(t)
	})

	t.Run("queue full", func(t *testing.T) {
		f := newRouterFixture()
		f.tracker.On("SubmitFeedback", conversationID, persistence.FeedbackThumbsDown, "").Return(errors.New("event queue is full"))

		body := []byte(fmt.Sprintf(`{"sessionId":%q,"type":"thumbs_down"}`, conversationID))
		w := serve(f.withPersistence(), http.MethodPost, "/api/chat/feedback", body, nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotContains(t, w.Body.String(), "queue")
	})

	invalid := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"sessionId":`, "Invalid request format"},
		{"missing type", fmt.Sprintf(`{"sessionId":%q}`, conversationID), "Invalid request format"},
		{"bad session id", `{"sessionId":"abc","type":"thumbs_up"}`, "Invalid session ID format"},
		{"unknown type", fmt.Sprintf(`{"sessionId":%q,"type":"meh"}`, conversationID), "Feedback type must be thumbs_up or thumbs_down"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()

			w := serve(f.withPersistence(), http.MethodPost, "/api/chat/feedback", []byte(tt.body), nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp chat.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Error)
			f.tracker.AssertNotCalled(t, "SubmitFeedback", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRouter_getConversation(t *testing.T) {
	id := uuid.New()

	t.Run("found", func(t *testing.T) {
		f := newRouterFixture()
		f.conversations.On("FindByIDWithRelations", id).Return(&persistence.ConversationRecord{
			ID:    id,
			Title: "why?",
			Model: "llama3.2",
			Messages: []persistence.MessageRecord{
				{ConversationID: id, Role: persistence.RoleUser, Content: "why?"},
			},
		}, nil)

		w := serve(f.withPersistence(), http.MethodGet, "/api/conversations/"+id.String(), nil, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		var got persistence.ConversationRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, id, got.ID)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, persistence.RoleUser, got.Messages[0].Role)
	})

	t.Run("not found", func(t *testing.T) {
		f := newRouterFixture()
		f.conversations.On("FindByIDWithRelations", id).Return(nil, fmt.Errorf("conversation %s: %w", id, persistence.ErrNotFound))

		w := serve(f.withPersistence(), http.MethodGet, "/api/conversations/"+id.String(), nil, nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newRouterFixture()
		f.conversations.On("FindByIDWithRelations", id).Return(nil, errors.New("database is locked"))

		w := serve(f.withPersistence(), http.MethodGet, "/api/conversations/"+id.String(), nil, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "locked")
	})

	t.Run("invalid id", func(t *testing.T) {
		f := newRouterFixture()

		w := serve(f.withPersistence(), http.MethodGet, "/api/conversations/xyz", nil, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRouter_listConversations(t *testing.T) {
	f := newRouterFixture()
	f.conversations.On("FindRecent", 20).Return([]*persistence.ConversationRecord{{ID: uuid.New(), Title: "a"}}, nil)
	f.conversations.On("FindRecent", 5).Return([]*persistence.ConversationRecord{}, nil)
	h := f.withPersistence()

	w := serve(h, http.MethodGet, "/api/conversations", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"title":"a"`)

	w = serve(h, http.MethodGet, "/api/conversations?limit=5", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	for _, limit := range []string{"0", "-1", "101", "abc"} {
		w = serve(h, http.MethodGet, "/api/conversations?limit="+limit, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
	f.conversations.AssertExpectations(t)
}

func TestRouter_corsMiddleware(t *testing.T) {
	f := newRouterFixture()
	router := NewRouter(f.relay, testTemplates, f.probe, []string{"https://example.com", "https://test.com"})
	engine := router.SetupRoutes()

	w := serve(engine, http.MethodGet, "/api/chat/templates", nil, map[string]string{"Origin": "https://test.com"})
	assert.Equal(t, "https://test.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Session-ID")

	w = serve(engine, http.MethodGet, "/api/chat/templates", nil, map[string]string{"Origin": "https://evil.com"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(engine, http.MethodGet, "/api/chat/templates", nil, nil)
	assert.Equal(t, "https://example.com, https://test.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_corsMiddleware_OPTIONS(t *testing.T) {
	f := newRouterFixture()

	w := serve(f.plain(), http.MethodOptions, "/api/chat/stream", nil, map[string]string{"Origin": "https://example.com"})

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestRouter_requestIDMiddleware(t *testing.T) {
	f := newRouterFixture()
	h := f.plain()

	clientID := uuid.New().String()
	w := serve(h, http.MethodGet, "/api/chat/templates", nil, map[string]string{"X-Request-ID": clientID})
	assert.Equal(t, clientID, w.Header().Get("X-Request-ID"))

	w = serve(h, http.MethodGet, "/api/chat/templates", nil, nil)
	generated, err := uuid.Parse(w.Header().Get("X-Request-ID"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, generated)
}
