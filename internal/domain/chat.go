package domain

// ChatMessage is the provider-agnostic role-tagged message shape sent to the
// completion API.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles recognized by the completion API.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
