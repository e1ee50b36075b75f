// Package acl implements the ACL decision engine: flattening a parsed
// AclConfig into an immutable, version-stamped snapshot, evaluating
// (identity, destination, port, protocol) tuples against it in time linear
// only in the evaluated principal's own rule count, and hot-reloading that
// snapshot from a TOML file without disturbing in-flight evaluations.
package acl

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/rserr"
)

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Action      model.AclAction
	MatchedRule string // the matched rule's description, or "" for the default policy
}

// Engine holds the live ACL snapshot behind an atomic pointer so readers
// never block on a writer and a reload never disturbs an evaluation
// already in flight.
type Engine struct {
	current atomic.Pointer[snapshot]
	version atomic.Uint64
	log     logrus.FieldLogger
}

// NewEngine builds an Engine from an initial AclConfig.
func NewEngine(cfg *model.AclConfig, log logrus.FieldLogger) *Engine {
	e := &Engine{log: log}
	v := e.version.Add(1)
	e.current.Store(buildSnapshot(cfg, v, log))
	return e
}

// Evaluate decides Allow/Block for one (identity, destination, port,
// protocol) tuple against the snapshot captured at call entry.
func (e *Engine) Evaluate(identity model.Identity, dest model.Destination, port uint16, proto model.Transport) Decision {
	snap := e.current.Load()
	rules := snap.rulesFor(identity.Username, identity.Groups)
	for _, r := range rules {
		if !r.ProtocolMatches(proto) {
			continue
		}
		if !r.PortMatches(port) {
			continue
		}
		if !r.DestMatches(dest) {
			continue
		}
		return Decision{Action: r.Action, MatchedRule: r.Description}
	}
	return Decision{Action: snap.defaultPolicy}
}

// Version reports the currently active snapshot's version stamp, mainly
// useful to invalidate the per-datagram UDP cache.
func (e *Engine) Version() uint64 {
	return e.current.Load().version
}

// Reload builds a snapshot from an already-parsed cfg and swaps it in
// atomically. A nil cfg is rejected and leaves the active snapshot
// untouched; parsing and validation happen earlier, in Parse/LoadFile.
func (e *Engine) Reload(cfg *model.AclConfig) error {
	if cfg == nil {
		return fmt.Errorf("acl: reload: nil config")
	}
	v := e.version.Add(1)
	next := buildSnapshot(cfg, v, e.log)
	e.current.Store(next)
	return nil
}

// ReloadFromFile re-parses path and swaps it in atomically on success,
// matching Reload's all-or-nothing semantics.
func (e *Engine) ReloadFromFile(path string) error {
	cfg, err := LoadFile(path)
	if err != nil {
		return rserr.New(rserr.Config, fmt.Sprintf("reload %s", path), err)
	}
	return e.Reload(cfg)
}
