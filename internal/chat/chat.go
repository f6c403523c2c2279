package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"StudyChat/internal/cache"
	"StudyChat/internal/gemini"
	"StudyChat/internal/session"
)

// ErrEmptyQuestion is returned by Send for blank input.
var ErrEmptyQuestion = errors.New("question is empty")

// Completer produces an answer for an assembled conversation.
type Completer interface {
	Complete(ctx context.Context, contents []gemini.Content) (string, error)
}

// Store persists conversation turns for a user.
type Store interface {
	Save(ctx context.Context, userID string, messages []session.Message) error
	Update(ctx context.Context, userID string, messages []session.Message) error
}

// Chat orchestrates one user's conversation: it owns the live message list,
// forwards questions to the completion client and persists finished turns.
// At most one request is in flight at a time; a new Send cancels the previous
// one. Safe for concurrent use.
type Chat struct {
	userID string
	client Completer
	store  Store
	logger *slog.Logger
	cache  sync.Map

	mu        sync.Mutex
	messages  []session.Message
	cancel    context.CancelFunc
	gen       uint64 // bumped per Send; stale completions must not append
	persisted bool   // first persist of a conversation goes through Save
}

// New creates a conversation for userID, seeded with the greeting message.
func New(userID string, client Completer, store Store, logger *slog.Logger) *Chat {
	return &Chat{
		userID:   userID,
		client:   client,
		store:    store,
		logger:   logger,
		messages: []session.Message{session.Greeting()},
	}
}

// Send forwards a question and returns the assistant's reply. Any request
// still in flight for this conversation is cancelled first. On failure the
// returned text is a visible assistant-authored error message that has been
// appended to the conversation and persisted; err still reports the cause.
// A cancelled request returns context.Canceled with no side effects.
func (c *Chat) Send(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.messages = append(c.messages, session.NewUserMessage(question))
	snapshot := make([]session.Message, len(c.messages))
	copy(snapshot, c.messages)
	c.mu.Unlock()

	key := cache.Key(snapshot)
	if answer, ok := c.checkCache(key); ok {
		cancel()
		return c.finish(gen, answer, nil)
	}

	contents := BuildContext(snapshot, question)
	answer, err := c.client.Complete(reqCtx, contents)
	cancel()

	if err == nil {
		c.storeCache(key, answer)
	}
	return c.finish(gen, answer, err)
}

// finish appends the turn's outcome to the live list and persists it, unless
// the request was cancelled or superseded by a newer Send.
func (c *Chat) finish(gen uint64, answer string, err error) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		// A newer question owns the conversation now.
		return "", context.Canceled
	}
	if errors.Is(err, context.Canceled) {
		return "", context.Canceled
	}

	text := answer
	if err != nil {
		text = userFacingError(err)
		c.logger.Error("completion failed", "user", c.userID, "error", err)
	}
	c.messages = append(c.messages, session.NewAssistantMessage(text))
	c.persistLocked()
	return text, err
}

// persistLocked writes the live list through the store, strictly after the
// in-memory update. Caller holds c.mu.
func (c *Chat) persistLocked() {
	msgs := make([]session.Message, len(c.messages))
	copy(msgs, c.messages)

	ctx := context.Background()
	var err error
	if c.persisted {
		err = c.store.Update(ctx, c.userID, msgs)
	} else {
		err = c.store.Save(ctx, c.userID, msgs)
	}
	if err != nil {
		c.logger.Error("failed to persist session", "user", c.userID, "error", err)
		return
	}
	c.persisted = true
}

// Reset abandons the current conversation and starts a fresh one. Any
// in-flight request is cancelled.
func (c *Chat) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.messages = []session.Message{session.Greeting()}
	c.persisted = false
}

// Messages returns a snapshot of the live conversation.
func (c *Chat) Messages() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]session.Message, len(c.messages))
	copy(msgs, c.messages)
	return msgs
}

func (c *Chat) checkCache(key string) (string, bool) {
	if val, ok := c.cache.Load(key); ok {
		cached := val.(cache.CachedResponse)
		c.logger.Info("cache hit", "key", key[:16])
		return cached.Response, true
	}
	return "", false
}

func (c *Chat) storeCache(key, response string) {
	c.cache.Store(key, cache.CachedResponse{Response: response, Timestamp: time.Now()})
}

// userFacingError maps a completion failure to the message shown in the
// conversation. A failed turn is still a turn.
func userFacingError(err error) string {
	kind, ok := gemini.KindOf(err)
	if !ok {
		return "Sorry, something went wrong while answering your question. Please try again."
	}
	switch kind {
	case gemini.KindRateLimited:
		return "I'm receiving too many questions right now. Please wait a moment and try again."
	case gemini.KindBlocked:
		return "I can't answer that question because it was flagged by the content filter. Try rephrasing it."
	case gemini.KindTransient, gemini.KindModelUnavailable:
		return "I couldn't reach the assistant service. Please check your connection and try again."
	default:
		return "Sorry, something went wrong while answering your question. Please try again."
	}
}
