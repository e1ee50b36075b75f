// Package auth models the authentication capability: the connection
// pipeline depends only on the Authenticator interface here, never on a
// concrete backend. PAM, LDAP and AD integrations are external
// implementers of the same interface; this package ships the two methods
// the wire protocol itself requires (NoAuth, Username/Password) backed by
// a static credential source useful for tests and small deployments.
package auth

import (
	"errors"

	"github.com/xulek/rustsocks/model"
)

// Method is a SOCKS5 method-negotiation byte.
type Method byte

const (
	MethodNoAuth         Method = 0x00
	MethodUsernamePassword Method = 0x02
	MethodNoAcceptable   Method = 0xFF
)

// ErrAuthFailed is returned by Authenticate on bad credentials; the
// protocol FSM maps it to the sub-protocol's failure byte and then to
// reply code 0x01.
var ErrAuthFailed = errors.New("auth: authentication failed")

// Authenticator is the capability interface the protocol FSM consumes.
// Concrete backends receive the negotiated Method and the
// sub-protocol's raw payload bytes (for NoAuth, payload is empty).
type Authenticator interface {
	// Methods returns the method bytes this authenticator can service, in
	// the order the server should prefer them.
	Methods() []Method

	// Authenticate validates payload for the given method and returns the
	// resulting Identity, or ErrAuthFailed (or a wrapped variant) on
	// rejection.
	Authenticate(method Method, payload []byte) (model.Identity, error)

	// ResolveGroups returns the case-insensitive group labels for a
	// username, independent of the method used to authenticate it.
	ResolveGroups(username string) []string
}

// SelectMethod picks by server preference: the first configured
// Authenticator (in slice order, then its Methods order) whose method the
// client offered, or MethodNoAcceptable if none match. The order of the
// client's offered bytes does not affect the choice.
func SelectMethod(offered []byte, authenticators []Authenticator) (Method, Authenticator) {
	for _, a := range authenticators {
		for _, want := range a.Methods() {
			for _, off := range offered {
				if Method(off) == want {
					return want, a
				}
			}
		}
	}
	return MethodNoAcceptable, nil
}
