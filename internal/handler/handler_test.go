package handler

import (
	"bufio"
	"bytes"
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

	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/middleware"
	"github.com/openclaw/support-bridge/internal/model"
	"github.com/openclaw/support-bridge/internal/service"
	"github.com/openclaw/support-bridge/internal/session"
	"github.com/openclaw/support-bridge/internal/sse"
	"github.com/openclaw/support-bridge/internal/tunnel"
)

const testSessionID = "6f1c2d3e-4b5a-4c7d-8e9f-0a1b2c3d4e5f"

type mockPairingService struct {
	mock.Mock
}

func (m *mockPairingService) IssueCode(ctx context.Context, params service.IssueParams) (*service.IssueResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.IssueResult), args.Error(1)
}

func (m *mockPairingService) VerifyCode(ctx context.Context, params service.VerifyParams) (*service.VerifyResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.VerifyResult), args.Error(1)
}

func (m *mockPairingService) GetSession(ctx context.Context, sessionID string) (*model.PairingRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PairingRecord), args.Error(1)
}

type fakeSessions struct {
	live map[string]session.Info
}

func (f *fakeSessions) HandleRemote(ctx context.Context, conn *tunnel.Conn) error {
	return conn.Close("test")
}

func (f *fakeSessions) HandleConsole(ctx context.Context, sessionID string, role model.Role, conn *tunnel.Conn) error {
	return conn.Close("test")
}

func (f *fakeSessions) Lookup(sessionID string) (session.Info, bool) {
	info, ok := f.live[sessionID]
	return info, ok
}

type fakeEvents struct {
	client *sse.Client
	done   chan struct{}
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{done: make(chan struct{})}
}

func (f *fakeEvents) Subscribe(sessionID string) *sse.Client {
	f.client = &sse.Client{SessionID: sessionID, Events: make(chan sse.Event, 4), Done: make(chan struct{})}
	f.client.Events <- sse.Event{Type: "session.active", Data: json.RawMessage(`{"session_id":"` + sessionID + `"}`)}
	return f.client
}

func (f *fakeEvents) Unsubscribe(client *sse.Client) {
	close(f.done)
}

func newTestRouter(pairing *mockPairingService, sessions *fakeSessions, events *fakeEvents) http.Handler {
	if sessions == nil {
		sessions = &fakeSessions{}
	}
	if events == nil {
		events = newFakeEvents()
	}
	return NewRouter(RouterDeps{
		Pairing:     pairing,
		Sessions:    sessions,
		Events:      events,
		ServiceAuth: middleware.NewServiceAuthMiddleware("service-token").Handler,
		BodyLimit:   middleware.NewBodyLimitMiddleware(0).Handler,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer service-token")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestIssueCodeHandler(t *testing.T) {
	t.Run("issues code", func(t *testing.T) {
		pairing := new(mockPairingService)
		pairing.On("IssueCode", mock.Anything, service.IssueParams{
			Owner:         model.Owner{UserID: 1, DeviceID: 5, OrganizationID: 2},
			ChatSessionID: "chat-9",
		}).Return(&service.IssueResult{
			Code:      "AB3DEF",
			SessionID: testSessionID,
			ExpiresIn: 900,
		}, nil)

		rec := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodPost, "/v1/pairing/codes",
			`{"user_id":1,"device_id":5,"organization_id":2,"chat_session_id":"chat-9"}`, true)

		assert.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "AB3DEF", body["code"])
		assert.Equal(t, testSessionID, body["session_id"])
		assert.Equal(t, float64(900), body["expires_in_seconds"])
		assert.NotContains(t, body, "tunnel_endpoint")
		pairing.AssertExpectations(t)
	})

	t.Run("requires service token", func(t *testing.T) {
		pairing := new(mockPairingService)

		rec := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodPost, "/v1/pairing/codes", `{}`, false)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		pairing.AssertNotCalled(t, "IssueCode", mock.Anything, mock.Anything)
	})

	t.Run("maps owner rejection", func(t *testing.T) {
		pairing := new(mockPairingService)
		pairing.On("IssueCode", mock.Anything, mock.Anything).
			Return(nil, apperrors.InvalidOwner("device does not belong to organization"))

		rec := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodPost, "/v1/pairing/codes",
			`{"user_id":1,"device_id":5,"organization_id":3}`, true)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "INVALID_OWNER", body["code"])
	})

	t.Run("hides store errors", func(t *testing.T) {
		pairing := new(mockPairingService)
		pairing.On("IssueCode", mock.Anything, mock.Anything).
			Return(nil, apperrors.Database(errors.New("pq: connection refused")))

		rec := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodPost, "/v1/pairing/codes",
			`{"user_id":1,"device_id":5,"organization_id":2}`, true)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "pq:")
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		rec := doJSON(t, newTestRouter(new(mockPairingService), nil, nil), http.MethodPost, "/v1/pairing/codes", `{`, true)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerifyCodeHandler(t *testing.T) {
	t.Run("verifies without service token", func(t *testing.T) {
		pairing := new(mockPairingService)
		pairing.On("VerifyCode", mock.Anything, mock.MatchedBy(func(p service.VerifyParams) bool {
			return p.Code == "ab3-def" && p.Owner.DeviceID != nil && *p.Owner.DeviceID == 5 && p.Owner.UserID == nil
		})).Return(&service.VerifyResult{
			SessionID:      testSessionID,
			TunnelEndpoint: "wss://bridge.example/v1/tunnel/remote?session_id=" + testSessionID,
			ExpiresIn:      600,
		}, nil)

		rec := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodPost, "/v1/pairing/verify",
			`{"device_id":5,"six_digit_code":"ab3-def"}`, false)

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, testSessionID, body["session_id"])
		assert.Contains(t, body["tunnel_endpoint"], testSessionID)
		assert.Equal(t, float64(600), body["expires_in_seconds"])
		pairing.AssertExpectations(t)
	})

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", apperrors.CodeInvalid(), http.StatusUnauthorized, "CODE_INVALID"},
		{"expired", apperrors.CodeExpired(), http.StatusGone, "CODE_EXPIRED"},
		{"already used", apperrors.CodeAlreadyUsed(), http.StatusConflict, "CODE_ALREADY_USED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairing := new(mockPairingService)
			pairing.On("VerifyCode", mock.Anything, mock.Anything).Return(nil, tt.err)

			rec := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodPost, "/v1/pairing/verify",
				`{"six_digit_code":"AB3DEF"}`, false)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.code, body["code"])
		})
	}

	t.Run("missing code", func(t *testing.T) {
		pairing := new(mockPairingService)

		rec := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodPost, "/v1/pairing/verify", `{}`, false)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "MISSING_REQUIRED", decodeBody(t, rec)["code"])
		pairing.AssertNotCalled(t, "VerifyCode", mock.Anything, mock.Anything)
	})
}

func TestGetSessionHandler(t *testing.T) {
	verifiedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &model.PairingRecord{
		Owner:      model.Owner{UserID: 1, DeviceID: 5, OrganizationID: 2},
		SessionID:  testSessionID,
		State:      model.PairingStateActive,
		CreatedAt:  verifiedAt.Add(-time.Minute),
		ExpiresAt:  verifiedAt.Add(14 * time.Minute),
		VerifiedAt: &verifiedAt,
	}

	t.Run("includes live state", func(t *testing.T) {
		pairing := new(mockPairingService)
		pairing.On("GetSession", mock.Anything, testSessionID).Return(rec, nil)
		sessions := &fakeSessions{live: map[string]session.Info{
			testSessionID: {SessionID: testSessionID, ConsoleAttached: true, ConsoleRole: model.RoleAgent},
		}}

		resp := doJSON(t, newTestRouter(pairing, sessions, nil), http.MethodGet, "/v1/sessions/"+testSessionID, "", true)

		assert.Equal(t, http.StatusOK, resp.Code)
		body := decodeBody(t, resp)
		assert.Equal(t, "active", body["state"])
		assert.Equal(t, "2026-01-02T03:04:05Z", body["verified_at"])
		assert.Nil(t, body["closed_at"])
		live, ok := body["live"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, live["console_attached"])
		assert.Equal(t, "agent", live["console_role"])
	})

	t.Run("not found", func(t *testing.T) {
		pairing := new(mockPairingService)
		pairing.On("GetSession", mock.Anything, testSessionID).Return(nil, apperrors.NotFound("Session"))

		resp := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodGet, "/v1/sessions/"+testSessionID, "", true)

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestConsoleHandlerValidatesBeforeUpgrade(t *testing.T) {
	h := newTestRouter(new(mockPairingService), nil, nil)

	tests := []struct {
		name  string
		query string
	}{
		{"bad session id", "?session_id=nope&role=agent"},
		{"bad role", "?session_id=" + testSessionID + "&role=root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, h, http.MethodGet, "/v1/tunnel/console"+tt.query, "", true)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.Equal(t, "INVALID_INPUT", decodeBody(t, resp)["code"])
		})
	}
}

func TestEventsHandlerStreams(t *testing.T) {
	pairing := new(mockPairingService)
	pairing.On("GetSession", mock.Anything, testSessionID).Return(&model.PairingRecord{
		SessionID: testSessionID,
		State:     model.PairingStateVerified,
	}, nil)
	events := newFakeEvents()

	srv := httptest.NewServer(newTestRouter(pairing, nil, events))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/"+testSessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer service-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 4 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	assert.Equal(t, "event: connected", lines[0])
	assert.Contains(t, lines[1], `"state":"verified"`)
	assert.Equal(t, "event: session.active", lines[2])
	assert.Contains(t, lines[3], testSessionID)

	cancel()
	select {
	case <-events.done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not released after client left")
	}
}

func TestEventsHandlerUnknownSession(t *testing.T) {
	pairing := new(mockPairingService)
	pairing.On("GetSession", mock.Anything, testSessionID).Return(nil, apperrors.NotFound("Session"))

	resp := doJSON(t, newTestRouter(pairing, nil, nil), http.MethodGet, "/v1/sessions/"+testSessionID+"/events", "", true)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHealthHandler(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheck{
			"database": func(ctx context.Context) error { return nil },
		}, func() int { return 3 })

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, float64(3), body["active_sessions"])
	})

	t.Run("degraded", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheck{
			"database": func(ctx context.Context) error { return nil },
			"redis":    func(ctx context.Context) error { return errors.New("down") },
		}, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, map[string]any{"database": "ok", "redis": "down"}, body["dependencies"])
	})
}
