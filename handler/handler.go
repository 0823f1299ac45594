package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"lark-bridge/internal/usecase"
)

// Response is the Lambda proxy-style response returned to the webhook transport.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// SessionController is the event orchestration the handler delegates to.
type SessionController interface {
	HandleEvent(ctx context.Context, ev usecase.Event) (usecase.Result, error)
}

// Handler adapts the Lark webhook transport (Lambda or plain HTTP) to the
// session controller.
type Handler struct {
	controller SessionController
	logger     *slog.Logger
}

func NewHandler(controller SessionController) (*Handler, error) {
	if controller == nil {
		return nil, errors.New("handler: controller must not be nil")
	}
	return &Handler{controller: controller, logger: slog.Default()}, nil
}

// webhookPayload covers both recognized webhook shapes: the url_verification
// handshake and the im.message.receive_v1 event.
type webhookPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Header    struct {
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
		Sender struct {
			SenderID struct {
				UserID string `json:"user_id"`
			} `json:"sender_id"`
		} `json:"sender"`
	} `json:"event"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type ackResponse struct {
	Code int `json:"code"`
}

// process handles one raw webhook body and returns the HTTP status and JSON
// body for the transport. Recognized events are always acknowledged with
// code 0, even when handling failed, so the platform does not retry forever.
func (h *Handler) process(ctx context.Context, body []byte) (int, string) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return http.StatusOK, marshalBody(ackResponse{Code: 2})
	}

	res, err := h.controller.HandleEvent(ctx, usecase.Event{
		Type:        payload.Type,
		Challenge:   payload.Challenge,
		EventType:   payload.Header.EventType,
		MessageID:   payload.Event.Message.MessageID,
		ChatID:      payload.Event.Message.ChatID,
		SenderID:    payload.Event.Sender.SenderID.UserID,
		MessageType: payload.Event.Message.MessageType,
		Content:     payload.Event.Message.Content,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "event handling failed", "err", err)
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorUnrecognizedEvent {
			return http.StatusOK, marshalBody(ackResponse{Code: 2})
		}
		return http.StatusOK, marshalBody(ackResponse{Code: 0})
	}

	switch res.State {
	case usecase.StateHandshake:
		return http.StatusOK, marshalBody(challengeResponse{Challenge: res.Challenge})
	case usecase.StateIgnored:
		return http.StatusOK, marshalBody(ackResponse{Code: 2})
	default:
		return http.StatusOK, marshalBody(ackResponse{Code: 0})
	}
}

// Handle is the Lambda entrypoint.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (Response, error) {
	status, body := h.process(ctx, []byte(req.Body))
	return Response{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID(req.Headers),
		},
		Body: body,
	}, nil
}

// ServeHTTP serves the same webhook over plain HTTP for the local run mode.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}
	status, respBody := h.process(r.Context(), body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, respBody)
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "X-Correlation-Id") && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func marshalBody(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"code":0}`
	}
	return string(b)
}
