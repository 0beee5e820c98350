package chat

// Roles stored in the history worker. The model side only distinguishes
// human turns from model turns; anything it does not recognize counts as user.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one stored conversation turn, in the shape the history worker
// records it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
