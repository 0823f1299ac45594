package usecase

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"lark-bridge/internal/domain"
)

func makeTurns(n int) []domain.Turn {
	turns := make([]domain.Turn, 0, n)
	for i := 0; i < n; i++ {
		turns = append(turns, domain.Turn{
			Question: fmt.Sprintf("q%d", i),
			Answer:   fmt.Sprintf("a%d", i),
		})
	}
	return turns
}

func TestBuildContext_EmptyHistory(t *testing.T) {
	messages := BuildContext(nil, "Hello")
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Hello"},
	}, messages)
}

func TestBuildContext_ReplaysHistoryInOrder(t *testing.T) {
	history := []domain.Turn{{Question: "Hi", Answer: "Hello!"}}
	messages := BuildContext(history, "How are you?")
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Hi"},
		{Role: domain.RoleAssistant, Content: "Hello!"},
		{Role: domain.RoleUser, Content: "How are you?"},
	}, messages)
}

func TestBuildContext_Length(t *testing.T) {
	for _, n := range []int{0, 1, 5, 20} {
		messages := BuildContext(makeTurns(n), "q")
		require.Len(t, messages, 2*n+1, "history of %d turns", n)
		require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "q"}, messages[len(messages)-1])
	}
}

func TestWindowTurns_KeepsMostRecent(t *testing.T) {
	history := makeTurns(5)
	windowed := WindowTurns(history, 2)
	require.Len(t, windowed, 2)
	require.Equal(t, "q3", windowed[0].Question)
	require.Equal(t, "q4", windowed[1].Question)
}

func TestWindowTurns_ShortHistoryUntouched(t *testing.T) {
	history := makeTurns(3)
	require.Equal(t, history, WindowTurns(history, 10))
}

func TestWindowTurns_DisabledBound(t *testing.T) {
	history := makeTurns(50)
	require.Equal(t, history, WindowTurns(history, 0))
	require.Equal(t, history, WindowTurns(history, -1))
}
