package usecase

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"unicode/utf8"

	"chat-threads/internal/convert"
	"chat-threads/internal/domain"
	"chat-threads/internal/metrics"
	"chat-threads/internal/persistence"
	"chat-threads/internal/storage"
)

const (
	defaultMaxTitleLen   = 200
	defaultMaxMessageLen = 4000
	defaultMaxAttempts   = 3
)

// ThreadRepository is the persistence the service depends on.
type ThreadRepository interface {
	Create(ctx context.Context, s *persistence.ChatSession) error
	ReadByID(ctx context.Context, id string) (persistence.ChatSession, bool, error)
	Update(ctx context.Context, s *persistence.ChatSession) error
	Delete(ctx context.Context, s persistence.ChatSession) error
	List(ctx context.Context, userID string) ([]persistence.ChatSession, error)
}

// Agent produces an assistant reply to prompt as a lazy sequence of text
// fragments. A sequence can be ranged over once.
type Agent interface {
	Stream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ThreadService owns the thread and message use cases. Threads are addressed
// by the integer id the API exposes and are always scoped to their owner.
type ThreadService struct {
	repo          ThreadRepository
	agent         Agent
	replies       *userLimiter
	maxTitleLen   int
	maxMessageLen int
	maxAttempts   int
}

type ServiceOption func(*ThreadService)

// WithAgent enables GenerateReply.
func WithAgent(a Agent) ServiceOption {
	return func(s *ThreadService) {
		s.agent = a
	}
}

// WithReplyRate limits GenerateReply to perMinute calls per user.
func WithReplyRate(perMinute int) ServiceOption {
	return func(s *ThreadService) {
		s.replies = newUserLimiter(perMinute)
	}
}

// WithMaxMessageLen bounds message text, in characters.
func WithMaxMessageLen(n int) ServiceOption {
	return func(s *ThreadService) {
		if n > 0 {
			s.maxMessageLen = n
		}
	}
}

// WithMaxAttempts sets how many times an append is tried when another writer
// updated the thread first.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *ThreadService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewThreadService(repo ThreadRepository, opts ...ServiceOption) (*ThreadService, error) {
	if repo == nil {
		return nil, errors.New("usecase: thread repository must not be nil")
	}
	s := &ThreadService{
		repo:          repo,
		maxTitleLen:   defaultMaxTitleLen,
		maxMessageLen: defaultMaxMessageLen,
		maxAttempts:   defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type CreateThreadInput struct {
	UserID       string
	Title        string
	FirstMessage string
}

type PostMessageInput struct {
	UserID   string
	ThreadID int64
	Text     string
	Role     domain.Role
}

// ListThreads returns every thread owned by userID.
func (s *ThreadService) ListThreads(ctx context.Context, userID string) ([]*domain.Thread, error) {
	sessions, err := s.repo.List(ctx, userID)
	if err != nil {
		return nil, storageError("list_threads", err)
	}
	out := make([]*domain.Thread, len(sessions))
	for i, sess := range sessions {
		out[i] = sess.Thread()
	}
	return out, nil
}

// CreateThread stores a new active thread whose first message is the user's.
func (s *ThreadService) CreateThread(ctx context.Context, in CreateThreadInput) (*domain.Thread, error) {
	title := strings.TrimSpace(in.Title)
	first := strings.TrimSpace(in.FirstMessage)
	if first == "" {
		return nil, newError(ErrorInvalidInput, "empty_first_message", nil)
	}
	if utf8.RuneCountInString(title) > s.maxTitleLen {
		return nil, newError(ErrorInvalidInput, "title_too_long", nil)
	}
	if utf8.RuneCountInString(first) > s.maxMessageLen {
		return nil, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	th := domain.NewThread(in.UserID, title)
	th.AppendUserMessage(first)
	sess := persistence.FromThread(th)
	if err := s.repo.Create(ctx, &sess); err != nil {
		return nil, storageError("create_thread", err)
	}
	slog.Info("thread created", "thread_id", sess.ID, "user_id", in.UserID)
	return sess.Thread(), nil
}

// GetThread returns one thread of userID.
func (s *ThreadService) GetThread(ctx context.Context, userID string, threadID int64) (*domain.Thread, error) {
	sess, err := s.resolve(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	return sess.Thread(), nil
}

// ListMessages returns the messages of one thread in order.
func (s *ThreadService) ListMessages(ctx context.Context, userID string, threadID int64) ([]domain.Message, error) {
	th, err := s.GetThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	return th.Messages(), nil
}

// PostMessage appends a message to an active thread.
func (s *ThreadService) PostMessage(ctx context.Context, in PostMessageInput) (domain.Message, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.Message{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return domain.Message{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if !in.Role.Valid() {
		return domain.Message{}, newError(ErrorInvalidInput, "invalid_role", domain.ErrInvalidRole)
	}
	sess, err := s.resolve(ctx, in.UserID, in.ThreadID)
	if err != nil {
		return domain.Message{}, err
	}
	return s.appendMessage(ctx, sess, text, in.Role, nil)
}

// GenerateReply asks the agent to answer the thread's latest user message and
// appends the answer as an assistant message.
func (s *ThreadService) GenerateReply(ctx context.Context, userID string, threadID int64) (domain.Message, error) {
	if s.agent == nil {
		return domain.Message{}, newError(ErrorUpstream, "agent_not_configured", nil)
	}
	sess, err := s.resolve(ctx, userID, threadID)
	if err != nil {
		return domain.Message{}, err
	}
	if !sess.IsActive {
		return domain.Message{}, newError(ErrorInactiveThread, "inactive_thread", nil)
	}
	if err := pendingUserMessage(sess.Thread()); err != nil {
		return domain.Message{}, err
	}
	last, _ := sess.Thread().LastMessage()
	if !s.replies.Allow(userID) {
		return domain.Message{}, newError(ErrorRateLimited, "reply_rate_limited", nil)
	}

	var reply strings.Builder
	for fragment, err := range s.agent.Stream(ctx, last.Text) {
		if err != nil {
			if status, ok := upstreamStatusCode(err); ok && status == 429 {
				return domain.Message{}, newError(ErrorRateLimited, "agent_rate_limited", err)
			}
			return domain.Message{}, newError(ErrorUpstream, "agent_error", err)
		}
		metrics.ReplyFragments.Inc()
		reply.WriteString(fragment)
	}
	text := strings.TrimSpace(reply.String())
	if text == "" {
		return domain.Message{}, newError(ErrorUpstream, "empty_reply", nil)
	}
	return s.appendMessage(ctx, sess, text, domain.RoleAssistant, pendingUserMessage)
}

// pendingUserMessage fails unless the thread ends with a user message.
func pendingUserMessage(th *domain.Thread) error {
	last, ok := th.LastMessage()
	if !ok || last.Role != domain.RoleUser {
		return newError(ErrorInvalidInput, "no_pending_user_message", nil)
	}
	return nil
}

// DeleteThread removes one thread of userID.
func (s *ThreadService) DeleteThread(ctx context.Context, userID string, threadID int64) error {
	sess, err := s.resolve(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, sess); err != nil {
		return storageError("delete_thread", err)
	}
	slog.Info("thread deleted", "thread_id", sess.ID, "user_id", userID)
	return nil
}

// resolve finds the caller's thread whose API id is threadID.
func (s *ThreadService) resolve(ctx context.Context, userID string, threadID int64) (persistence.ChatSession, error) {
	sessions, err := s.repo.List(ctx, userID)
	if err != nil {
		return persistence.ChatSession{}, storageError("list_threads", err)
	}
	for _, sess := range sessions {
		if id, _ := convert.ID(sess.ID); id == threadID {
			return sess, nil
		}
	}
	return persistence.ChatSession{}, newError(ErrorNotFound, "thread_not_found", nil)
}

// appendMessage adds a message and writes the thread back, reloading and
// retrying when a concurrent writer got there first. check, when set, runs
// against every version of the thread before the message is added.
func (s *ThreadService) appendMessage(ctx context.Context, sess persistence.ChatSession, text string, role domain.Role, check func(*domain.Thread) error) (domain.Message, error) {
	for attempt := 1; ; attempt++ {
		th := sess.Thread()
		if !th.IsActive {
			return domain.Message{}, newError(ErrorInactiveThread, "inactive_thread", nil)
		}
		if check != nil {
			if err := check(th); err != nil {
				return domain.Message{}, err
			}
		}
		var m domain.Message
		if role == domain.RoleAssistant {
			m = th.AppendAssistantMessage(text)
		} else {
			m = th.AppendUserMessage(text)
		}
		next := persistence.FromThread(th)
		err := s.repo.Update(ctx, &next)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return domain.Message{}, storageError("append_message", err)
		}
		if attempt >= s.maxAttempts {
			return domain.Message{}, newError(ErrorConflict, "concurrent_update", err)
		}
		slog.Warn("thread changed concurrently, retrying append", "thread_id", sess.ID, "attempt", attempt)

		reloaded, ok, err := s.repo.ReadByID(ctx, sess.ID)
		if err != nil {
			return domain.Message{}, storageError("reload_thread", err)
		}
		if !ok {
			return domain.Message{}, newError(ErrorNotFound, "thread_not_found", nil)
		}
		sess = reloaded
	}
}

func storageError(reason string, err error) *Error {
	var de *persistence.DecodeError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newError(ErrorNotFound, "thread_not_found", err)
	case errors.Is(err, storage.ErrConflict):
		return newError(ErrorConflict, "concurrent_update", err)
	case errors.As(err, &de):
		return newError(ErrorInternal, "corrupt_thread", err)
	case errors.Is(err, storage.ErrStorageTimeout):
		return newError(ErrorInternal, "storage_timeout", err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
