package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"lark-bridge/internal/domain"
)

const (
	defaultModel           = "gpt-3.5-turbo"
	defaultMaxTokens       = 1024
	defaultMaxContextTurns = 20
	defaultMentionMarker   = "@_user_1"

	eventTypeURLVerification = "url_verification"
	eventTypeMessageReceive  = "im.message.receive_v1"
	messageTypeText          = "text"

	clearCommand = "/clear"
)

// User-facing notice strings. The fallback answer is delivered (and
// persisted) in place of a real completion whenever the upstream API fails.
const (
	fallbackAnswer    = "⚠️ Error: failed to reach the AI service."
	unsupportedNotice = "⚠️ Only text messages are supported."
	clearedNotice     = "✅ Conversation history has been cleared."
	storageFailNotice = "⚠️ Could not access conversation history, please try again later."
)

// HistoryStore is the per-session append-only conversation log.
type HistoryStore interface {
	ListTurns(ctx context.Context, sessionKey string) ([]domain.Turn, error)
	AppendTurn(ctx context.Context, sessionKey, question, answer string) error
	ClearSession(ctx context.Context, sessionKey string) error
}

// LLMClient sends an assembled message sequence to the completion API.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, maxTokens int) (string, error)
}

// Replier dispatches a text reply into the chat thread a message came from.
type Replier interface {
	Reply(ctx context.Context, messageID, text string) error
}

// State is the terminal state reached while handling one inbound event.
type State string

const (
	StateHandshake   State = "handshake"
	StateIgnored     State = "ignored"
	StateUnsupported State = "unsupported"
	StateCleared     State = "cleared"
	StateAnswered    State = "answered"
)

// Event is the parsed inbound webhook payload handed to the controller.
// Content is the platform's JSON-encoded content string, decoded here only
// after the message has been classified as text.
type Event struct {
	Type        string
	Challenge   string
	EventType   string
	MessageID   string
	ChatID      string
	SenderID    string
	MessageType string
	Content     string
}

// Result describes how an event terminated.
type Result struct {
	State     State
	Challenge string
	Answer    string
}

// Config carries the conversation tunables. Zero values fall back to the
// package defaults.
type Config struct {
	Model           string
	MaxTokens       int
	MaxContextTurns int
	MentionMarker   string
}

// Service orchestrates one inbound event end to end: handshake and event
// filtering, the clear command, context assembly, completion, persistence and
// reply dispatch. It holds no per-event state; concurrent events only share
// the external store.
type Service struct {
	store           HistoryStore
	llm             LLMClient
	replier         Replier
	model           string
	maxTokens       int
	maxContextTurns int
	mentionMarker   string
	logger          *slog.Logger
}

func NewService(store HistoryStore, llm LLMClient, replier Replier, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errNilDependency("history store")
	}
	if llm == nil {
		return nil, errNilDependency("llm client")
	}
	if replier == nil {
		return nil, errNilDependency("replier")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxContextTurns == 0 {
		cfg.MaxContextTurns = defaultMaxContextTurns
	}
	if cfg.MentionMarker == "" {
		cfg.MentionMarker = defaultMentionMarker
	}
	return &Service{
		store:           store,
		llm:             llm,
		replier:         replier,
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		maxContextTurns: cfg.MaxContextTurns,
		mentionMarker:   cfg.MentionMarker,
		logger:          slog.Default(),
	}, nil
}

// HandleEvent runs the per-event state machine. A StorageUnavailable failure
// is returned to the transport after the user has been shown a failure
// notice; the webhook itself must still be acknowledged by the caller.
func (s *Service) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	if ev.Type == eventTypeURLVerification {
		return Result{State: StateHandshake, Challenge: ev.Challenge}, nil
	}
	if ev.EventType != eventTypeMessageReceive {
		return Result{State: StateIgnored}, nil
	}
	if ev.MessageType != messageTypeText {
		s.reply(ctx, ev.MessageID, unsupportedNotice)
		return Result{State: StateUnsupported}, nil
	}

	question, err := extractText(ev.Content)
	if err != nil {
		return Result{}, newError(ErrorUnrecognizedEvent, "malformed_content", err)
	}
	question = strings.TrimSpace(strings.ReplaceAll(question, s.mentionMarker, ""))
	sessionKey := DeriveSessionKey(ev.ChatID, ev.SenderID)

	if question == clearCommand {
		if err := s.store.ClearSession(ctx, sessionKey); err != nil {
			s.reply(ctx, ev.MessageID, storageFailNotice)
			return Result{}, newError(ErrorStorageUnavailable, "clear_session", err)
		}
		s.reply(ctx, ev.MessageID, clearedNotice)
		return Result{State: StateCleared}, nil
	}

	history, err := s.store.ListTurns(ctx, sessionKey)
	if err != nil {
		s.reply(ctx, ev.MessageID, storageFailNotice)
		return Result{}, newError(ErrorStorageUnavailable, "list_turns", err)
	}

	messages := BuildContext(WindowTurns(history, s.maxContextTurns), question)
	answer, err := s.llm.Chat(ctx, s.model, messages, s.maxTokens)
	if err != nil {
		// Keep the conversation flowing: the fallback is shown and stored
		// like a real answer.
		s.logger.WarnContext(ctx, "completion failed, answering with fallback",
			"session_key", sessionKey, "err", err)
		answer = fallbackAnswer
	}

	if err := s.store.AppendTurn(ctx, sessionKey, question, answer); err != nil {
		s.reply(ctx, ev.MessageID, storageFailNotice)
		return Result{}, newError(ErrorStorageUnavailable, "append_turn", err)
	}

	s.reply(ctx, ev.MessageID, answer)
	return Result{State: StateAnswered, Answer: answer}, nil
}

// reply is best effort: the original thread may be gone or the platform may
// throttle us, neither of which should fail the event.
func (s *Service) reply(ctx context.Context, messageID, text string) {
	if err := s.replier.Reply(ctx, messageID, text); err != nil {
		s.logger.WarnContext(ctx, "reply dispatch failed", "message_id", messageID, "err", err)
	}
}

type textContent struct {
	Text string `json:"text"`
}

func extractText(raw string) (string, error) {
	var c textContent
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return "", fmt.Errorf("usecase: decode message content: %w", err)
	}
	return c.Text, nil
}

func errNilDependency(name string) error {
	return fmt.Errorf("usecase: %s must not be nil", name)
}
