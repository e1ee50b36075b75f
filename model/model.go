// Package model holds the plain data types shared across the RustSocks
// core: destinations, identities, ACL rules, pooled connections and
// sessions. Types here carry no behaviour beyond small helpers; the
// packages that own a lifecycle (acl, pool, session) build their logic
// on top of these shapes.
package model

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddressKind identifies the shape of a Destination's host field.
type AddressKind int

const (
	AddressIPv4 AddressKind = iota
	AddressIPv6
	AddressDomain
)

func (k AddressKind) String() string {
	switch k {
	case AddressIPv4:
		return "ipv4"
	case AddressIPv6:
		return "ipv6"
	case AddressDomain:
		return "domain"
	default:
		return "unknown"
	}
}

// Transport is the L4 protocol a Destination is reached over.
type Transport string

const (
	TCP  Transport = "tcp"
	UDP  Transport = "udp"
	Both Transport = "both" // desugars to {TCP, UDP} at ACL snapshot build time
)

// Destination is the triple (address-kind, port, transport) a client asked
// the proxy to reach. Domain names are stored verbatim; resolution is
// deferred to the dial step in package pool.
type Destination struct {
	Kind   AddressKind
	Host   string // canonical textual IP, or domain name verbatim
	Port   uint16
	Proto  Transport
	literalIP net.IP // non-nil when Kind is AddressIPv4/AddressIPv6
}

// NewIPDestination builds a Destination from a parsed IP literal.
func NewIPDestination(ip net.IP, port uint16, proto Transport) Destination {
	kind := AddressIPv4
	if ip.To4() == nil {
		kind = AddressIPv6
	}
	return Destination{Kind: kind, Host: ip.String(), Port: port, Proto: proto, literalIP: ip}
}

// NewDomainDestination builds a Destination from a 1..255 octet domain name.
func NewDomainDestination(domain string, port uint16, proto Transport) Destination {
	return Destination{Kind: AddressDomain, Host: domain, Port: port, Proto: proto}
}

// IP returns the literal IP for IPv4/IPv6 destinations, or nil for domains.
func (d Destination) IP() net.IP {
	return d.literalIP
}

// PoolKey returns the normalized "<canonical-host>:<port>" string used to
// bucket pooled upstream connections.
func (d Destination) PoolKey() string {
	host := d.Host
	if d.Kind == AddressDomain {
		host = strings.ToLower(host)
	} else if d.literalIP != nil {
		host = d.literalIP.String()
	}
	return fmt.Sprintf("%s:%d", host, d.Port)
}

func (d Destination) String() string {
	return net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))
}

// Identity is the (username, groups) pair resolved by the auth adapter.
// Groups are case-insensitive labels; callers should compare via
// NormalizeGroup.
type Identity struct {
	Username string
	Groups   []string
}

// NormalizeGroup lower-cases a group label for case-insensitive comparison.
func NormalizeGroup(g string) string { return strings.ToLower(strings.TrimSpace(g)) }

// AnonymousUsername is the sentinel identity username for NoAuth clients.
const AnonymousUsername = "anonymous"

// AclAction is the verdict a matching rule (or the default policy) carries.
type AclAction string

const (
	Allow AclAction = "allow"
	Block AclAction = "block"
)

// AclRule is one policy line: if protocol/port/destination all match, the
// rule's action is returned.
type AclRule struct {
	Action       AclAction
	Destinations []DestMatcher
	Ports        []PortMatcher
	Protocols    map[Transport]struct{}
	Priority     int
	Description  string

	// InsertionIndex is the rule's position in its owning rule list as
	// parsed; snapshot building renumbers it over the flattened list and
	// uses it as the final deterministic tiebreak.
	InsertionIndex int
}

// ProtocolMatches reports whether proto is in the rule's (desugared)
// protocol set.
func (r AclRule) ProtocolMatches(proto Transport) bool {
	_, ok := r.Protocols[proto]
	return ok
}

// PortMatches reports whether port matches at least one of the rule's
// PortMatchers.
func (r AclRule) PortMatches(port uint16) bool {
	for _, p := range r.Ports {
		if p.Matches(port) {
			return true
		}
	}
	return false
}

// DestMatches reports whether dest matches at least one of the rule's
// DestMatchers.
func (r AclRule) DestMatches(dest Destination) bool {
	for _, m := range r.Destinations {
		if m.Matches(dest) {
			return true
		}
	}
	return false
}

// Group is a named, ordered list of rules a User can reference.
type Group struct {
	Name  string
	Rules []AclRule
}

// User is a named principal with group memberships and its own rules.
type User struct {
	Name   string
	Groups []string
	Rules  []AclRule
}

// AclConfig is the fully parsed, unvalidated-at-this-layer configuration
// tree loaded from the TOML ACL file.
type AclConfig struct {
	DefaultPolicy AclAction
	Groups        []Group
	Users         []User
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusActive          SessionStatus = "active"
	StatusClosed          SessionStatus = "closed"
	StatusFailed          SessionStatus = "failed"
	StatusRejectedByACL   SessionStatus = "rejected_by_acl"
)

// CloseReason explains why a relay stopped.
type CloseReason string

const (
	CloseClientEOF     CloseReason = "client_eof"
	CloseUpstreamEOF   CloseReason = "upstream_eof"
	CloseClientError   CloseReason = "client_error"
	CloseUpstreamError CloseReason = "upstream_error"
	CloseCancelled     CloseReason = "cancelled"
	CloseTimeout       CloseReason = "timeout"

	// CloseAuthFailed marks a connection that failed the authentication
	// sub-protocol before a request was ever parsed.
	CloseAuthFailed CloseReason = "auth_failed"
)

// Session is the accounting record of one client<->upstream interaction.
// The zero value is not valid; use NewSession.
type Session struct {
	ID             uuid.UUID
	Username       string
	SourceAddr     string
	DestAddr       string
	Protocol       Transport
	StartTime      time.Time
	EndTime        *time.Time
	DurationSecs   *int64
	BytesSent      int64
	BytesReceived  int64
	PacketsSent    int64
	PacketsReceived int64
	Status         SessionStatus
	CloseReason    *CloseReason
	AclDecision    AclAction
	AclRuleMatched *string
}

// NewSession creates an active session record for an accepted connection.
func NewSession(username, sourceAddr, destAddr string, proto Transport, decision AclAction, ruleDesc *string) *Session {
	return &Session{
		ID:          uuid.New(),
		Username:    username,
		SourceAddr:  sourceAddr,
		DestAddr:    destAddr,
		Protocol:    proto,
		StartTime:   time.Now().UTC(),
		Status:      StatusActive,
		AclDecision: decision,
		AclRuleMatched: ruleDesc,
	}
}

// Finalize marks the session closed/failed/rejected exactly once, stamping
// EndTime/DurationSecs. Calling it twice is a programmer error guarded by
// the owning session.Manager, not by Session itself.
func (s *Session) Finalize(status SessionStatus, reason *CloseReason) {
	now := time.Now().UTC()
	s.EndTime = &now
	d := int64(now.Sub(s.StartTime).Seconds())
	if d < 0 {
		d = 0
	}
	s.DurationSecs = &d
	s.Status = status
	s.CloseReason = reason
}

// MetricsSnapshot is one append-only aggregate sample.
type MetricsSnapshot struct {
	Timestamp      time.Time
	ActiveSessions int
	TotalSessions  int
	BandwidthBytes int64
}
