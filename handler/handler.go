package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"chat-threads/internal/auth"
	"chat-threads/internal/convert"
	"chat-threads/internal/domain"
	"chat-threads/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxCorrelationLen = 64

	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"

	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Accept, Authorization, Origin, Cookie, X-Correlation-Id"
)

// ThreadService is the use-case surface the handler routes to.
type ThreadService interface {
	ListThreads(ctx context.Context, userID string) ([]*domain.Thread, error)
	CreateThread(ctx context.Context, in usecase.CreateThreadInput) (*domain.Thread, error)
	GetThread(ctx context.Context, userID string, threadID int64) (*domain.Thread, error)
	ListMessages(ctx context.Context, userID string, threadID int64) ([]domain.Message, error)
	PostMessage(ctx context.Context, in usecase.PostMessageInput) (domain.Message, error)
	GenerateReply(ctx context.Context, userID string, threadID int64) (domain.Message, error)
	DeleteThread(ctx context.Context, userID string, threadID int64) error
}

type Handler struct {
	threads ThreadService
	users   *auth.Directory
	routes  []route
}

type createThreadRequest struct {
	Title        string `json:"title"`
	FirstMessage string `json:"first_message"`
}

type postMessageRequest struct {
	Text string `json:"text"`
}

type setCookieResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// request is one routed call: the raw event plus what routing and cookie
// resolution extracted from it.
type request struct {
	event    events.APIGatewayProxyRequest
	user     auth.User
	threadID int64
}

type result struct {
	status  int
	body    any
	headers map[string]string
}

type route struct {
	method   string
	segments []string // ":id" matches an integer thread id
	public   bool
	handle   func(ctx context.Context, r *request) (result, error)
}

func NewHandler(threads ThreadService, users *auth.Directory) (*Handler, error) {
	if threads == nil {
		return nil, errors.New("handler: thread service must not be nil")
	}
	if users == nil {
		return nil, errors.New("handler: user directory must not be nil")
	}
	h := &Handler{threads: threads, users: users}
	h.routes = []route{
		{method: http.MethodGet, segments: []string{"users"}, public: true, handle: h.listUsers},
		{method: http.MethodGet, segments: []string{"users", "me"}, handle: h.currentUser},
		{method: http.MethodGet, segments: []string{"users", "set-cookie"}, public: true, handle: h.setCookie},
		{method: http.MethodGet, segments: []string{"threads"}, handle: h.listThreads},
		{method: http.MethodPost, segments: []string{"threads"}, handle: h.createThread},
		{method: http.MethodGet, segments: []string{"threads", ":id"}, handle: h.getThread},
		{method: http.MethodDelete, segments: []string{"threads", ":id"}, handle: h.deleteThread},
		{method: http.MethodGet, segments: []string{"messages", ":id"}, handle: h.listMessages},
		{method: http.MethodPost, segments: []string{"messages", ":id"}, handle: h.postUserMessage},
		{method: http.MethodPost, segments: []string{"messages", ":id", "assistant"}, handle: h.postAssistantMessage},
		{method: http.MethodPost, segments: []string{"messages", ":id", "reply"}, handle: h.generateReply},
	}
	return h, nil
}

// Handle serves one API Gateway proxy event. Failures are always rendered as
// a JSON error response; the returned error is reserved for the runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	corrID := correlationID(req.Headers)
	logger := slog.With("correlation_id", corrID, "method", req.HTTPMethod, "path", req.Path)

	var res result
	var err error
	if strings.EqualFold(req.HTTPMethod, http.MethodOptions) {
		res = result{status: http.StatusNoContent}
	} else {
		res, err = h.dispatch(ctx, req)
	}
	if err != nil {
		res = h.errorResult(ctx, corrID, req, err)
		logger.Warn("request failed", "status", res.status, "err", err)
	}
	logger.Info("request handled", "status", res.status, "duration_ms", time.Since(start).Milliseconds())

	resp := render(res, corrID)
	for k, v := range corsHeaders(req.Headers) {
		resp.Headers[k] = v
	}
	return resp, nil
}

// corsHeaders allows any origin. A request carrying Origin gets it echoed back
// with credentials allowed so the user_id cookie is sent cross-origin.
func corsHeaders(headers map[string]string) map[string]string {
	out := map[string]string{
		"Access-Control-Allow-Origin":   "*",
		"Access-Control-Allow-Methods":  corsAllowMethods,
		"Access-Control-Allow-Headers":  corsAllowHeaders,
		"Access-Control-Expose-Headers": correlationHeader,
		"Access-Control-Max-Age":        "86400",
	}
	if origin := headerValue(headers, "Origin"); origin != "" {
		out["Access-Control-Allow-Origin"] = origin
		out["Access-Control-Allow-Credentials"] = "true"
		out["Vary"] = "Origin"
	}
	if requested := headerValue(headers, "Access-Control-Request-Headers"); requested != "" {
		out["Access-Control-Allow-Headers"] = requested
	}
	return out
}

func (h *Handler) dispatch(ctx context.Context, event events.APIGatewayProxyRequest) (result, error) {
	segments := splitPath(event.Path)
	pathMatched := false
	for _, rt := range h.routes {
		id, ok, err := rt.match(segments)
		if !ok {
			continue
		}
		pathMatched = true
		if !strings.EqualFold(rt.method, event.HTTPMethod) {
			continue
		}
		if err != nil {
			return result{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_thread_id", Err: err}
		}
		r := &request{event: event, threadID: id}
		if !rt.public {
			user, err := h.authenticate(event)
			if err != nil {
				return result{}, err
			}
			r.user = user
		}
		return rt.handle(ctx, r)
	}
	if pathMatched {
		return result{status: http.StatusMethodNotAllowed, body: errorResponse{Error: errorMethodNotAllowed}}, nil
	}
	return result{}, &usecase.Error{Code: usecase.ErrorNotFound, Reason: "route_not_found"}
}

func (rt route) match(segments []string) (id int64, ok bool, err error) {
	if len(segments) != len(rt.segments) {
		return 0, false, nil
	}
	for i, want := range rt.segments {
		if want == ":id" {
			id, err = strconv.ParseInt(segments[i], 10, 64)
			continue
		}
		if segments[i] != want {
			return 0, false, nil
		}
	}
	return id, true, err
}

func (h *Handler) authenticate(event events.APIGatewayProxyRequest) (auth.User, error) {
	user, err := h.users.Lookup(cookieValue(event, auth.CookieName))
	switch {
	case errors.Is(err, auth.ErrMissingCookie):
		return auth.User{}, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_cookie", Err: err}
	case err != nil:
		return auth.User{}, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "unknown_user", Err: err}
	}
	return user, nil
}

func (h *Handler) listUsers(context.Context, *request) (result, error) {
	return result{status: http.StatusOK, body: h.users.Users()}, nil
}

func (h *Handler) currentUser(_ context.Context, r *request) (result, error) {
	return result{status: http.StatusOK, body: r.user}, nil
}

func (h *Handler) setCookie(_ context.Context, r *request) (result, error) {
	userID := strings.TrimSpace(r.event.QueryStringParameters[auth.CookieName])
	if userID == "" {
		userID = auth.DefaultUserID
	}
	if _, err := h.users.Lookup(userID); err != nil {
		return result{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unknown_user", Err: err}
	}
	cookie := &http.Cookie{Name: auth.CookieName, Value: userID, Path: "/", HttpOnly: true}
	return result{
		status:  http.StatusOK,
		body:    setCookieResponse{Message: "user_id cookie set", UserID: userID},
		headers: map[string]string{"Set-Cookie": cookie.String()},
	}, nil
}

func (h *Handler) listThreads(ctx context.Context, r *request) (result, error) {
	threads, err := h.threads.ListThreads(ctx, r.user.Key())
	if err != nil {
		return result{}, err
	}
	out := make([]convert.Thread, len(threads))
	for i, th := range threads {
		out[i] = convert.ThreadView(th)
	}
	return result{status: http.StatusOK, body: out}, nil
}

func (h *Handler) createThread(ctx context.Context, r *request) (result, error) {
	var body createThreadRequest
	if err := decodeBody(r.event, &body); err != nil {
		return result{}, err
	}
	th, err := h.threads.CreateThread(ctx, usecase.CreateThreadInput{
		UserID:       r.user.Key(),
		Title:        body.Title,
		FirstMessage: body.FirstMessage,
	})
	if err != nil {
		return result{}, err
	}
	return result{status: http.StatusCreated, body: convert.ThreadView(th)}, nil
}

func (h *Handler) getThread(ctx context.Context, r *request) (result, error) {
	th, err := h.threads.GetThread(ctx, r.user.Key(), r.threadID)
	if err != nil {
		return result{}, err
	}
	return result{status: http.StatusOK, body: convert.ThreadView(th)}, nil
}

func (h *Handler) deleteThread(ctx context.Context, r *request) (result, error) {
	if err := h.threads.DeleteThread(ctx, r.user.Key(), r.threadID); err != nil {
		return result{}, err
	}
	return result{status: http.StatusNoContent}, nil
}

func (h *Handler) listMessages(ctx context.Context, r *request) (result, error) {
	msgs, err := h.threads.ListMessages(ctx, r.user.Key(), r.threadID)
	if err != nil {
		return result{}, err
	}
	out := make([]convert.Message, len(msgs))
	for i, m := range msgs {
		out[i] = convert.MessageView(m)
	}
	return result{status: http.StatusOK, body: out}, nil
}

func (h *Handler) postUserMessage(ctx context.Context, r *request) (result, error) {
	return h.postMessage(ctx, r, domain.RoleUser)
}

func (h *Handler) postAssistantMessage(ctx context.Context, r *request) (result, error) {
	return h.postMessage(ctx, r, domain.RoleAssistant)
}

func (h *Handler) postMessage(ctx context.Context, r *request, role domain.Role) (result, error) {
	var body postMessageRequest
	if err := decodeBody(r.event, &body); err != nil {
		return result{}, err
	}
	msg, err := h.threads.PostMessage(ctx, usecase.PostMessageInput{
		UserID:   r.user.Key(),
		ThreadID: r.threadID,
		Text:     body.Text,
		Role:     role,
	})
	if err != nil {
		return result{}, err
	}
	return result{status: http.StatusCreated, body: convert.MessageView(msg)}, nil
}

func (h *Handler) generateReply(ctx context.Context, r *request) (result, error) {
	msg, err := h.threads.GenerateReply(ctx, r.user.Key(), r.threadID)
	if err != nil {
		return result{}, err
	}
	return result{status: http.StatusCreated, body: convert.MessageView(msg)}, nil
}

func (h *Handler) errorResult(ctx context.Context, corrID string, event events.APIGatewayProxyRequest, err error) result {
	code := usecase.CodeOf(err)
	reason := ""
	var ue *usecase.Error
	if errors.As(err, &ue) {
		reason = ue.Reason
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		captureError(ctx, corrID, event, reason, err)
	}
	return result{status: status, body: errorResponse{Error: string(code), Reason: reason}}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInactiveThread:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// captureError reports err to Sentry. Without an initialised client the hub
// drops the event.
func captureError(ctx context.Context, corrID string, event events.APIGatewayProxyRequest, reason string, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("correlation_id", corrID)
		scope.SetTag("reason", reason)
		scope.SetContext("request", map[string]any{
			"method": event.HTTPMethod,
			"path":   event.Path,
		})
		hub.CaptureException(err)
	})
}

func render(res result, corrID string) events.APIGatewayProxyResponse {
	headers := map[string]string{correlationHeader: corrID}
	for k, v := range res.headers {
		headers[k] = v
	}
	resp := events.APIGatewayProxyResponse{StatusCode: res.status, Headers: headers}
	if res.body == nil {
		return resp
	}
	b, err := json.Marshal(res.body)
	if err != nil {
		slog.Error("failed to encode response", "correlation_id", corrID, "err", err)
		resp.StatusCode = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	headers["Content-Type"] = "application/json"
	resp.Body = string(b)
	return resp
}

func decodeBody(event events.APIGatewayProxyRequest, v any) error {
	raw := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
		}
		raw = decoded
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
	}
	return nil
}

// correlationID returns the caller's X-Correlation-Id (any case) or a new one.
func correlationID(headers map[string]string) string {
	if v := headerValue(headers, correlationHeader); v != "" && len(v) <= maxCorrelationLen {
		return v
	}
	return uuid.NewString()
}

// headerValue looks name up case-insensitively.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func cookieValue(event events.APIGatewayProxyRequest, name string) string {
	header := http.Header{}
	for k, v := range event.Headers {
		if strings.EqualFold(k, "Cookie") {
			header.Add("Cookie", v)
		}
	}
	for k, vs := range event.MultiValueHeaders {
		if strings.EqualFold(k, "Cookie") {
			for _, v := range vs {
				header.Add("Cookie", v)
			}
		}
	}
	c, err := (&http.Request{Header: header}).Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
