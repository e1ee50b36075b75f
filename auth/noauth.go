package auth

import "github.com/xulek/rustsocks/model"

// NoAuth implements method 0x00: every client is the configured anonymous
// identity with an empty group set.
type NoAuth struct {
	AnonymousUsername string
}

// NewNoAuth builds a NoAuth authenticator; an empty sentinel falls back to
// model.AnonymousUsername.
func NewNoAuth(sentinel string) *NoAuth {
	if sentinel == "" {
		sentinel = model.AnonymousUsername
	}
	return &NoAuth{AnonymousUsername: sentinel}
}

func (n *NoAuth) Methods() []Method { return []Method{MethodNoAuth} }

func (n *NoAuth) Authenticate(method Method, _ []byte) (model.Identity, error) {
	return model.Identity{Username: n.AnonymousUsername}, nil
}

func (n *NoAuth) ResolveGroups(string) []string { return nil }
