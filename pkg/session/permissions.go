package session

import (
	"sort"
	"strings"

	"github.com/buildnet-io/buildnet/pkg/types"
)

// resolvePermissions maps an actor kind and its requested scopes to the
// resolved permission set (resource pattern -> allowed actions).
func resolvePermissions(kind types.ActorKind, scopes []string) map[string][]string {
	switch kind {
	case types.ActorKindSystem:
		return map[string][]string{"*": {"*"}}
	case types.ActorKindService:
		return map[string][]string{
			"builds":    {"read", "write", "execute"},
			"resources": {"read"},
			"sessions":  {"read"},
		}
	case types.ActorKindAgent:
		return map[string][]string{
			"builds":    {"read", "write", "execute"},
			"resources": {"read", "claim"},
			"sessions":  {"read"},
		}
	case types.ActorKindUser:
		switch {
		case hasScope(scopes, "admin"):
			return map[string][]string{"*": {"*"}}
		case hasScope(scopes, "write"):
			return map[string][]string{
				"builds":    {"read", "write", "execute"},
				"resources": {"read", "write"},
				"sessions":  {"read"},
			}
		default:
			return map[string][]string{
				"builds":    {"read"},
				"resources": {"read"},
				"sessions":  {"read"},
			}
		}
	default:
		return map[string][]string{}
	}
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// permitted reports whether a permission set grants action on resource
func permitted(perms map[string][]string, resource, action string) bool {
	for _, pattern := range []string{resource, "*"} {
		for _, granted := range perms[pattern] {
			if granted == "*" || granted == action {
				return true
			}
		}
	}
	return false
}

// flattenPermissions renders a permission set as sorted "pattern:a,b" strings
// so structured policy never leaks into the audit store.
func flattenPermissions(perms map[string][]string) []string {
	out := make([]string, 0, len(perms))
	for pattern, actions := range perms {
		out = append(out, pattern+":"+strings.Join(actions, ","))
	}
	sort.Strings(out)
	return out
}
