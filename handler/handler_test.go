package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-threads/internal/auth"
	"chat-threads/internal/convert"
	"chat-threads/internal/domain"
	"chat-threads/internal/repository"
	"chat-threads/internal/storage"
	"chat-threads/internal/usecase"
)

type stubService struct {
	err      error
	created  usecase.CreateThreadInput
	posted   usecase.PostMessageInput
	threadID int64
	userID   string
}

func (s *stubService) ListThreads(_ context.Context, userID string) ([]*domain.Thread, error) {
	s.userID = userID
	return nil, s.err
}

func (s *stubService) CreateThread(_ context.Context, in usecase.CreateThreadInput) (*domain.Thread, error) {
	s.created = in
	if s.err != nil {
		return nil, s.err
	}
	th := domain.NewThread(in.UserID, in.Title)
	th.AppendUserMessage(in.FirstMessage)
	return th, nil
}

func (s *stubService) GetThread(_ context.Context, userID string, threadID int64) (*domain.Thread, error) {
	s.userID, s.threadID = userID, threadID
	if s.err != nil {
		return nil, s.err
	}
	return domain.NewThread(userID, "t"), nil
}

func (s *stubService) ListMessages(_ context.Context, userID string, threadID int64) ([]domain.Message, error) {
	s.userID, s.threadID = userID, threadID
	return nil, s.err
}

func (s *stubService) PostMessage(_ context.Context, in usecase.PostMessageInput) (domain.Message, error) {
	s.posted = in
	return domain.Message{ID: "m-1", Text: in.Text, Role: in.Role}, s.err
}

func (s *stubService) GenerateReply(_ context.Context, userID string, threadID int64) (domain.Message, error) {
	s.userID, s.threadID = userID, threadID
	return domain.Message{}, s.err
}

func (s *stubService) DeleteThread(_ context.Context, userID string, threadID int64) error {
	s.userID, s.threadID = userID, threadID
	return s.err
}

type echoAgent struct{}

func (echoAgent) Stream(_ context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("you said: ", nil) {
			return
		}
		yield(prompt, nil)
	}
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Cookie":       "user_id=2",
		},
		Body: body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newStubHandler(t *testing.T, svc *stubService) *Handler {
	t.Helper()
	h, err := NewHandler(svc, auth.DefaultDirectory())
	require.NoError(t, err)
	return h
}

func do(t *testing.T, h *Handler, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	t.Helper()
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	return resp
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, auth.DefaultDirectory())
	require.Error(t, err)
	_, err = NewHandler(&stubService{}, nil)
	require.Error(t, err)
}

func TestHandle_CreateThread(t *testing.T) {
	svc := &stubService{}
	h := newStubHandler(t, svc)

	resp := do(t, h, makeEvent(http.MethodPost, "/threads", `{"title":"Trip","first_message":"Plan Kyoto"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, usecase.CreateThreadInput{UserID: "2", Title: "Trip", FirstMessage: "Plan Kyoto"}, svc.created)

	out := parseBody[convert.Thread](t, resp.Body)
	require.Equal(t, "Trip", out.Title)
	require.Len(t, out.Messages, 1)
	require.Equal(t, "user", out.Messages[0].Sender)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestHandle_Base64Body(t *testing.T) {
	svc := &stubService{}
	h := newStubHandler(t, svc)

	event := makeEvent(http.MethodPost, "/messages/42", base64.StdEncoding.EncodeToString([]byte(`{"text":"hi"}`)))
	event.IsBase64Encoded = true
	resp := do(t, h, event)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, usecase.PostMessageInput{UserID: "2", ThreadID: 42, Text: "hi", Role: domain.RoleUser}, svc.posted)
}

func TestHandle_AssistantMessageRole(t *testing.T) {
	svc := &stubService{}
	h := newStubHandler(t, svc)

	resp := do(t, h, makeEvent(http.MethodPost, "/messages/7/assistant", `{"text":"noted"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, domain.RoleAssistant, svc.posted.Role)
	require.Equal(t, int64(7), svc.posted.ThreadID)

	out := parseBody[convert.Message](t, resp.Body)
	require.Equal(t, "assistant", out.Sender)
	require.Equal(t, "noted", out.Text)
}

func TestHandle_DeleteReturnsNoContent(t *testing.T) {
	svc := &stubService{}
	h := newStubHandler(t, svc)

	resp := do(t, h, makeEvent(http.MethodDelete, "/threads/9/", ""))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, resp.Body)
	require.Equal(t, int64(9), svc.threadID)
	require.Equal(t, "2", svc.userID)
}

func TestHandle_ListThreadsNeverNull(t *testing.T) {
	h := newStubHandler(t, &stubService{})

	resp := do(t, h, makeEvent(http.MethodGet, "/threads", ""))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `[]`, resp.Body)
}

func TestHandle_InvalidBody(t *testing.T) {
	h := newStubHandler(t, &stubService{})

	resp := do(t, h, makeEvent(http.MethodPost, "/threads", `not-json`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_body", out.Reason)
}

func TestHandle_InvalidThreadID(t *testing.T) {
	h := newStubHandler(t, &stubService{})

	resp := do(t, h, makeEvent(http.MethodGet, "/threads/abc", ""))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_thread_id", parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_Routing(t *testing.T) {
	h := newStubHandler(t, &stubService{})

	resp := do(t, h, makeEvent(http.MethodGet, "/nowhere", ""))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "route_not_found", parseBody[errorResponse](t, resp.Body).Reason)

	resp = do(t, h, makeEvent(http.MethodPut, "/threads/1", ""))
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, errorMethodNotAllowed, parseBody[errorResponse](t, resp.Body).Error)
}

func TestHandle_CookieRequired(t *testing.T) {
	h := newStubHandler(t, &stubService{})

	event := makeEvent(http.MethodGet, "/threads", "")
	delete(event.Headers, "Cookie")
	resp := do(t, h, event)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "missing_cookie", parseBody[errorResponse](t, resp.Body).Reason)

	event.Headers["cookie"] = "theme=dark; user_id=99"
	resp = do(t, h, event)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unknown_user", parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_MultiValueCookieHeader(t *testing.T) {
	svc := &stubService{}
	h := newStubHandler(t, svc)

	event := makeEvent(http.MethodGet, "/threads", "")
	delete(event.Headers, "Cookie")
	event.MultiValueHeaders = map[string][]string{"Cookie": {"theme=dark", "user_id=3"}}
	resp := do(t, h, event)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "3", svc.userID)
}

func TestHandle_Users(t *testing.T) {
	h := newStubHandler(t, &stubService{})

	event := makeEvent(http.MethodGet, "/users", "")
	delete(event.Headers, "Cookie")
	resp := do(t, h, event)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := parseBody[[]auth.User](t, resp.Body)
	require.Len(t, users, 3)
	require.Equal(t, 1, users[0].ID)

	resp = do(t, h, makeEvent(http.MethodGet, "/users/me", ""))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := parseBody[auth.User](t, resp.Body)
	require.Equal(t, 2, me.ID)
	require.Equal(t, "user2@example.com", me.Email)
}

func TestHandle_SetCookie(t *testing.T) {
	h := newStubHandler(t, &stubService{})

	resp := do(t, h, makeEvent(http.MethodGet, "/users/set-cookie", ""))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Headers["Set-Cookie"], "user_id=1"))
	require.Equal(t, "1", parseBody[setCookieResponse](t, resp.Body).UserID)

	event := makeEvent(http.MethodGet, "/users/set-cookie", "")
	event.QueryStringParameters = map[string]string{"user_id": "3"}
	resp = do(t, h, event)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Headers["Set-Cookie"], "user_id=3"))

	event.QueryStringParameters = map[string]string{"user_id": "42"}
	resp = do(t, h, event)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "unauthorized", err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "unknown_user"}, status: http.StatusUnauthorized, code: string(usecase.ErrorUnauthorized)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "thread_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "inactive", err: &usecase.Error{Code: usecase.ErrorInactiveThread, Reason: "inactive_thread"}, status: http.StatusBadRequest, code: string(usecase.ErrorInactiveThread)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "concurrent_update"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "agent_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "agent_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "storage_timeout"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newStubHandler(t, &stubService{err: tc.err})

			resp := do(t, h, makeEvent(http.MethodPost, "/messages/1/reply", ""))
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newStubHandler(t, &stubService{})

	event := makeEvent(http.MethodGet, "/threads", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp := do(t, h, event)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])

	event.Headers["x-correlation-id"] = strings.Repeat("a", maxCorrelationLen+1)
	resp = do(t, h, event)
	require.NotEqual(t, event.Headers["x-correlation-id"], resp.Headers["X-Correlation-Id"])
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_Conversation(t *testing.T) {
	repo, err := repository.New(storage.NewMemory(storage.DefaultSchema, repository.UserIndex))
	require.NoError(t, err)
	svc, err := usecase.NewThreadService(repo, usecase.WithAgent(echoAgent{}))
	require.NoError(t, err)
	h, err := NewHandler(svc, auth.DefaultDirectory())
	require.NoError(t, err)

	resp := do(t, h, makeEvent(http.MethodPost, "/threads", `{"title":"AI","first_message":"What is Go?"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := parseBody[convert.Thread](t, resp.Body)

	resp = do(t, h, makeEvent(http.MethodPost, fmt.Sprintf("/messages/%d/reply", created.ID), ""))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reply := parseBody[convert.Message](t, resp.Body)
	require.Equal(t, "you said: What is Go?", reply.Text)
	require.Equal(t, "assistant", reply.Sender)

	resp = do(t, h, makeEvent(http.MethodGet, fmt.Sprintf("/messages/%d", created.ID), ""))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := parseBody[[]convert.Message](t, resp.Body)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Sender)

	// Another user cannot see the thread.
	other := makeEvent(http.MethodGet, fmt.Sprintf("/threads/%d", created.ID), "")
	other.Headers["Cookie"] = "user_id=3"
	resp = do(t, h, other)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, h, makeEvent(http.MethodDelete, fmt.Sprintf("/threads/%d", created.ID), ""))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, h, makeEvent(http.MethodGet, "/threads", ""))
	require.JSONEq(t, `[]`, resp.Body)
}

func TestHandle_Preflight(t *testing.T) {
	svc := &stubService{}
	h := newStubHandler(t, svc)

	event := makeEvent(http.MethodOptions, "/threads", "")
	delete(event.Headers, "Cookie")
	event.Headers["origin"] = "http://localhost:5173"
	event.Headers["Access-Control-Request-Headers"] = "content-type"
	resp := do(t, h, event)

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, resp.Body)
	require.Equal(t, "http://localhost:5173", resp.Headers["Access-Control-Allow-Origin"])
	require.Equal(t, "true", resp.Headers["Access-Control-Allow-Credentials"])
	require.Contains(t, resp.Headers["Access-Control-Allow-Methods"], http.MethodDelete)
	require.Equal(t, "content-type", resp.Headers["Access-Control-Allow-Headers"])
	require.Empty(t, svc.userID, "preflight must not reach the service")
}

func TestHandle_CORSHeadersOnEveryResponse(t *testing.T) {
	h := newStubHandler(t, &stubService{err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "thread_not_found"}})

	event := makeEvent(http.MethodGet, "/threads/5", "")
	event.Headers["Origin"] = "http://localhost:5173"
	resp := do(t, h, event)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "http://localhost:5173", resp.Headers["Access-Control-Allow-Origin"])
	require.Equal(t, "true", resp.Headers["Access-Control-Allow-Credentials"])
	require.Equal(t, "X-Correlation-Id", resp.Headers["Access-Control-Expose-Headers"])

	resp = do(t, h, makeEvent(http.MethodGet, "/users", ""))
	require.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])
	require.NotContains(t, resp.Headers, "Access-Control-Allow-Credentials")
}
