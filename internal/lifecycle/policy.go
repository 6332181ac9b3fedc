package lifecycle

import "strings"

// Policy decides whether invocations against a server may run without asking the user.
type Policy interface {
	ShouldAutoAuthorize(server string) bool
}

// PolicyFunc adapts a function into a Policy.
type PolicyFunc func(server string) bool

// ShouldAutoAuthorize invokes the underlying function.
func (policy PolicyFunc) ShouldAutoAuthorize(server string) bool {
	return policy(server)
}

// ServerPolicy applies per-server overrides on top of a global default.
type ServerPolicy struct {
	DefaultAutoAuthorize bool
	Servers              map[string]bool
}

// ShouldAutoAuthorize reports the override for server, falling back to the default.
// Server names are matched case-insensitively.
func (policy ServerPolicy) ShouldAutoAuthorize(server string) bool {
	normalized := strings.ToLower(strings.TrimSpace(server))
	for name, autoAuthorize := range policy.Servers {
		if strings.ToLower(strings.TrimSpace(name)) == normalized {
			return autoAuthorize
		}
	}
	return policy.DefaultAutoAuthorize
}

var (
	_ Policy = PolicyFunc(nil)
	_ Policy = ServerPolicy{}
)
