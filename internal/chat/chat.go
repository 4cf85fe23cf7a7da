// Package chat holds the conversation types shared by the router, the
// workers and the generation backends.
package chat

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Roles lists every role accepted in a conversation, in display order.
var Roles = []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Message is a single role-tagged entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const (
	DefaultTemperature = 0.5
	DefaultTopP        = 0.9
)

// Request is a validated completion request. MaxGenLen is nil when the
// caller did not bound the generation length.
type Request struct {
	Messages    []Message
	Temperature float64
	TopP        float64
	MaxGenLen   *int
}

// Result is the assistant turn produced for a request.
type Result struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completion is the envelope a worker returns to the router on success.
type Completion struct {
	ServedBy int    `json:"served_by"`
	Result   Result `json:"result"`
}
