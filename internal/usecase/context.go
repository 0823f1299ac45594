package usecase

import "lark-bridge/internal/domain"

// BuildContext replays a session's history as role-tagged messages and
// appends the new question as the final user entry. The result always has
// length 2*len(history)+1.
func BuildContext(history []domain.Turn, question string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, 2*len(history)+1)
	for _, t := range history {
		messages = append(messages,
			domain.ChatMessage{Role: domain.RoleUser, Content: t.Question},
			domain.ChatMessage{Role: domain.RoleAssistant, Content: t.Answer},
		)
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: question})
}

// WindowTurns bounds the history replayed to the completion API, keeping the
// most recent max turns. The stored history itself stays unbounded; only the
// view sent upstream is cut. max <= 0 disables the bound.
func WindowTurns(history []domain.Turn, max int) []domain.Turn {
	if max <= 0 || len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}
