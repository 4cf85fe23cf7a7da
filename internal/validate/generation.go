package validate

import (
	"fmt"
	"strings"

	"github.com/gaspardpetit/llamaswarm/internal/chat"
)

// Generation checks a backend result before it is returned to a caller.
func Generation(role chat.Role, content string) []string {
	var out []string
	switch {
	case role == "":
		out = append(out, "Response role is empty.")
	case !role.Valid():
		out = append(out, fmt.Sprintf("Response role must be one of %s, got %q.", roleList(), role))
	}
	if strings.TrimSpace(content) == "" {
		out = append(out, "Response content is empty.")
	}
	return out
}
