package auth

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/xulek/rustsocks/model"
)

// UserPassStatic implements RFC 1929 username/password authentication
// against a static credential map. It stands in
// for the PAM/LDAP/AD-backed implementations this specification leaves
// external; those ship the same Authenticator interface with a different
// credential/group source.
type UserPassStatic struct {
	mu          sync.RWMutex
	credentials map[string]string   // username -> password
	groups      map[string][]string // username -> group labels
}

// NewUserPassStatic builds an authenticator from a credential map.
func NewUserPassStatic(credentials map[string]string, groups map[string][]string) *UserPassStatic {
	u := &UserPassStatic{
		credentials: make(map[string]string, len(credentials)),
		groups:      make(map[string][]string, len(groups)),
	}
	for k, v := range credentials {
		u.credentials[k] = v
	}
	for k, v := range groups {
		u.groups[k] = append([]string(nil), v...)
	}
	return u
}

func (u *UserPassStatic) Methods() []Method { return []Method{MethodUsernamePassword} }

// Authenticate parses RFC 1929's sub-negotiation payload:
// VER | ULEN | UNAME | PLEN | PASSWD
func (u *UserPassStatic) Authenticate(method Method, payload []byte) (model.Identity, error) {
	if method != MethodUsernamePassword {
		return model.Identity{}, fmt.Errorf("auth: unsupported method %x", method)
	}
	if len(payload) < 3 {
		return model.Identity{}, fmt.Errorf("%w: short payload", ErrAuthFailed)
	}
	if payload[0] != 0x01 {
		return model.Identity{}, fmt.Errorf("%w: unsupported sub-negotiation version", ErrAuthFailed)
	}
	ulen := int(payload[1])
	if len(payload) < 2+ulen+1 {
		return model.Identity{}, fmt.Errorf("%w: truncated username", ErrAuthFailed)
	}
	uname := string(payload[2 : 2+ulen])
	plen := int(payload[2+ulen])
	if len(payload) < 2+ulen+1+plen {
		return model.Identity{}, fmt.Errorf("%w: truncated password", ErrAuthFailed)
	}
	passwd := string(payload[3+ulen : 3+ulen+plen])

	u.mu.RLock()
	want, ok := u.credentials[uname]
	u.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(passwd)) != 1 {
		return model.Identity{}, fmt.Errorf("%w: bad credentials for %q", ErrAuthFailed, uname)
	}

	return model.Identity{Username: uname, Groups: u.ResolveGroups(uname)}, nil
}

func (u *UserPassStatic) ResolveGroups(username string) []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]string(nil), u.groups[username]...)
}
