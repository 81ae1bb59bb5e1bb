package message

// Role represents the role of the message sender
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a single message sent to a language model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewMessage creates a new message with the given role and content
func NewMessage(role Role, content string) *Message {
	return &Message{Role: role, Content: content}
}

// System is shorthand for a system-role message.
func System(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// User is shorthand for a user-role message.
func User(content string) *Message {
	return NewMessage(RoleUser, content)
}
