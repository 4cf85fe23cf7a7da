package chat

import "testing"

func TestRoleValid(t *testing.T) {
	for _, r := range Roles {
		if !r.Valid() {
			t.Fatalf("%q should be valid", r)
		}
	}
	for _, r := range []Role{"", "System", "bot"} {
		if r.Valid() {
			t.Fatalf("%q should be invalid", r)
		}
	}
}
