// Package engine wires the protocol state machine (socks5), authentication
// (auth), the ACL engine (acl), the upstream pool (pool), the relay
// (relay), QoS (qos) and the session manager (session) into the
// per-connection pipeline: greeting -> method negotiation -> auth ->
// request parse -> ACL -> upstream acquisition -> reply -> relay ->
// finalize.
package engine

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/acl"
	"github.com/xulek/rustsocks/auth"
	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/pool"
	"github.com/xulek/rustsocks/qos"
	"github.com/xulek/rustsocks/relay"
	"github.com/xulek/rustsocks/rserr"
	"github.com/xulek/rustsocks/session"
	"github.com/xulek/rustsocks/socks5"
)

// Config holds the per-connection pipeline's timeouts and tunables.
type Config struct {
	GreetingTimeout             time.Duration
	RequestTimeout              time.Duration
	BindPeerWait                time.Duration
	IdleRelayTimeout            time.Duration
	RelayBufferSize             int
	TrafficUpdatePacketInterval int
}

// DefaultConfig returns the stock timeout ceilings.
func DefaultConfig() Config {
	return Config{
		GreetingTimeout:             10 * time.Second,
		RequestTimeout:              10 * time.Second,
		BindPeerWait:                30 * time.Second,
		IdleRelayTimeout:            5 * time.Minute,
		RelayBufferSize:             relay.DefaultBufferSize,
		TrafficUpdatePacketInterval: relay.DefaultPacketInterval,
	}
}

// Deps are the collaborators one Engine wires together. All fields are
// required except Shaper (nil disables QoS entirely) and Log, ListenTCP
// and ListenUDP, which New fills in when nil.
type Deps struct {
	Authenticators []auth.Authenticator
	ACL            *acl.Engine
	UDPCache       *acl.UDPCache
	Pool           *pool.Pool
	Dialer         *net.Dialer
	Sessions       *session.Manager
	Shaper         *qos.Shaper
	Log            logrus.FieldLogger

	// ListenTCP opens a BIND listener; overridable in tests. Defaults to
	// net.Listen("tcp", addr).
	ListenTCP func(addr string) (net.Listener, error)
	// ListenUDP opens a UDP ASSOCIATE relay socket; overridable in tests.
	// Defaults to net.ListenUDP("udp", addr).
	ListenUDP func(addr *net.UDPAddr) (*net.UDPConn, error)
}

// Engine runs the connection pipeline for accepted sockets.
type Engine struct {
	cfg  Config
	deps Deps
}

// New builds an Engine, filling in default ListenTCP/ListenUDP when absent.
func New(cfg Config, deps Deps) *Engine {
	if deps.ListenTCP == nil {
		deps.ListenTCP = func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }
	}
	if deps.ListenUDP == nil {
		deps.ListenUDP = func(addr *net.UDPAddr) (*net.UDPConn, error) { return net.ListenUDP("udp", addr) }
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &Engine{cfg: cfg, deps: deps}
}

// HandleConnection runs the full pipeline for one accepted client socket.
// It always closes client before returning.
func (e *Engine) HandleConnection(ctx context.Context, client net.Conn) {
	defer client.Close()
	log := e.deps.Log.WithField("remote", client.RemoteAddr().String())

	client.SetDeadline(time.Now().Add(e.cfg.GreetingTimeout))
	greeting, err := socks5.ReadGreeting(client)
	if err != nil {
		log.WithError(err).Debug("engine: greeting failed")
		return
	}

	method, authenticator := auth.SelectMethod(greeting.Methods, e.deps.Authenticators)
	if authenticator == nil {
		client.Write(socks5.EncodeMethodSelection(byte(auth.MethodNoAcceptable)))
		return
	}
	client.Write(socks5.EncodeMethodSelection(byte(method)))

	identity, err := e.authenticate(client, method, authenticator)
	if err != nil {
		log.WithError(err).Debug("engine: authentication failed")
		e.recordTerminal(client, model.AnonymousUsername, "", model.TCP, model.CloseAuthFailed)
		return
	}

	client.SetDeadline(time.Now().Add(e.cfg.RequestTimeout))
	req, err := socks5.ReadRequest(client)
	if err != nil {
		log.WithError(err).Debug("engine: request parse failed")
		rep := socks5.RepGeneralFailure
		switch {
		case errors.Is(err, socks5.ErrUnsupportedCommand):
			rep = socks5.RepCommandNotSupported
		case errors.Is(err, socks5.ErrUnsupportedAddrType):
			rep = socks5.RepAddrTypeNotSupported
		}
		client.Write(socks5.EncodeReply(rep, nil, 0))
		e.recordTerminal(client, identity.Username, "", model.TCP, model.CloseClientError)
		return
	}

	proto := model.TCP
	if req.Cmd == socks5.CmdUDPAssociate {
		proto = model.UDP
	}
	dest := buildDestination(req, proto)

	decision := e.deps.ACL.Evaluate(identity, dest, req.Port, proto)
	if decision.Action == model.Block {
		client.Write(socks5.EncodeReply(socks5.RepNotAllowedByRuleset, nil, 0))
		e.recordRejected(client, identity, dest, proto, decision)
		return
	}

	var matchedRule *string
	if decision.MatchedRule != "" {
		m := decision.MatchedRule
		matchedRule = &m
	}
	sess := model.NewSession(identity.Username, client.RemoteAddr().String(), dest.String(), proto, decision.Action, matchedRule)
	e.deps.Sessions.Create(sess)

	client.SetDeadline(time.Time{})

	switch req.Cmd {
	case socks5.CmdConnect:
		e.handleConnect(ctx, client, identity, dest, sess, log)
	case socks5.CmdBind:
		e.handleBind(ctx, client, dest, sess, log)
	case socks5.CmdUDPAssociate:
		e.handleUDPAssociate(ctx, client, identity, sess, log)
	default:
		client.Write(socks5.EncodeReply(socks5.RepCommandNotSupported, nil, 0))
		reason := model.CloseClientError
		e.deps.Sessions.Finalize(sess.ID.String(), model.StatusFailed, &reason)
	}
}

// recordTerminal persists the single finalized session row recorded for
// connections that fail at or before the ACL step.
func (e *Engine) recordTerminal(client net.Conn, username, destAddr string, proto model.Transport, reason model.CloseReason) {
	sess := model.NewSession(username, client.RemoteAddr().String(), destAddr, proto, model.Block, nil)
	e.deps.Sessions.Create(sess)
	e.deps.Sessions.Finalize(sess.ID.String(), model.StatusFailed, &reason)
}

func (e *Engine) recordRejected(client net.Conn, identity model.Identity, dest model.Destination, proto model.Transport, decision acl.Decision) {
	var matchedRule *string
	if decision.MatchedRule != "" {
		m := decision.MatchedRule
		matchedRule = &m
	}
	sess := model.NewSession(identity.Username, client.RemoteAddr().String(), dest.String(), proto, decision.Action, matchedRule)
	sess.Status = model.StatusRejectedByACL
	e.deps.Sessions.Create(sess)
	e.deps.Sessions.Finalize(sess.ID.String(), model.StatusRejectedByACL, nil)
}

func (e *Engine) authenticate(client net.Conn, method auth.Method, authenticator auth.Authenticator) (model.Identity, error) {
	if method != auth.MethodUsernamePassword {
		return authenticator.Authenticate(method, nil)
	}
	payload, err := socks5.ReadUserPassPayload(client)
	if err != nil {
		return model.Identity{}, rserr.New(rserr.Protocol, "userpass sub-negotiation", err)
	}
	identity, err := authenticator.Authenticate(method, payload)
	if err != nil {
		client.Write(socks5.EncodeUserPassReply(false))
		return model.Identity{}, rserr.New(rserr.Auth, "userpass", err)
	}
	client.Write(socks5.EncodeUserPassReply(true))
	return identity, nil
}

func buildDestination(req *socks5.ParsedRequest, proto model.Transport) model.Destination {
	switch req.AddrType {
	case socks5.ATypDomain:
		return model.NewDomainDestination(req.Host, req.Port, proto)
	default:
		ip := net.ParseIP(req.Host)
		return model.NewIPDestination(ip, req.Port, proto)
	}
}

// classifyDialError maps a dial failure to a SOCKS5 reply code,
// distinguishing ECONNREFUSED/ENETUNREACH/EHOSTUNREACH via errors.Is.
func classifyDialError(err error) socks5.ReplyCode {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5.RepNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return socks5.RepHostUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return socks5.RepGeneralFailure
	default:
		return socks5.RepGeneralFailure
	}
}
