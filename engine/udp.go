package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/acl"
	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/qos"
	"github.com/xulek/rustsocks/relay"
	"github.com/xulek/rustsocks/socks5"
)

const udpDatagramBufferSize = 64 * 1024

// handleUDPAssociate implements the Associating -> RelayingUDP path: bind
// an ephemeral UDP port, announce it, and relay
// datagrams to/from per-destination upstream sockets until the TCP control
// channel closes. Each inbound datagram's destination is evaluated against
// the ACL independently, via the short-TTL UDPCache.
func (e *Engine) handleUDPAssociate(ctx context.Context, control net.Conn, identity model.Identity, sess *model.Session, log logrus.FieldLogger) {
	relayConn, err := e.deps.ListenUDP(&net.UDPAddr{Port: 0})
	if err != nil {
		log.WithError(err).Debug("engine: udp associate listen failed")
		control.Write(socks5.EncodeReply(socks5.RepGeneralFailure, nil, 0))
		reason := model.CloseUpstreamError
		e.deps.Sessions.Finalize(sess.ID.String(), model.StatusFailed, &reason)
		return
	}
	defer relayConn.Close()

	var bindIP net.IP
	var bindPort uint16
	if udpAddr, ok := relayConn.LocalAddr().(*net.UDPAddr); ok {
		bindIP = udpAddr.IP
		bindPort = uint16(udpAddr.Port)
	}
	control.Write(socks5.EncodeReply(socks5.RepSuccess, bindIP, bindPort))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The control channel's closure tears down the relay: a
	// blocked Read returning is the only signal we need from it.
	go func() {
		buf := make([]byte, 1)
		control.Read(buf)
		cancel()
	}()
	go func() {
		<-ctx.Done()
		relayConn.Close()
	}()

	a := &udpAssociation{
		relayConn: relayConn,
		identity:  identity,
		cache:     e.deps.UDPCache,
		acl:       e.deps.ACL,
		shaper:    e.deps.Shaper,
		updates:   e.deps.Sessions.Updates(),
		sessionID: sess.ID.String(),
		upstreams: make(map[string]*net.UDPConn),
	}
	defer a.closeAll()

	a.run(ctx)

	reason := model.CloseCancelled
	e.deps.Sessions.Finalize(sess.ID.String(), model.StatusClosed, &reason)
}

// udpAssociation owns the client-facing relay socket plus one upstream UDP
// socket per distinct destination, so return datagrams can be matched back
// to the client without a shared demultiplexing table.
type udpAssociation struct {
	relayConn *net.UDPConn
	identity  model.Identity
	cache     *acl.UDPCache
	acl       *acl.Engine
	shaper    *qos.Shaper
	updates   chan<- relay.Delta
	sessionID string

	mu         sync.Mutex
	clientAddr *net.UDPAddr
	upstreams  map[string]*net.UDPConn
}

func (a *udpAssociation) run(ctx context.Context) {
	buf := make([]byte, udpDatagramBufferSize)
	for {
		a.relayConn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, clientAddr, err := a.relayConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		a.mu.Lock()
		a.clientAddr = clientAddr
		a.mu.Unlock()

		datagram, err := socks5.DecodeUDPHeader(buf[:n])
		if err != nil {
			continue // malformed or fragmented: silent drop
		}

		dest := buildDestination(&datagram.Dest, model.UDP)
		decision := a.cache.EvaluateCached(a.acl, a.identity.Username, a.identity, dest, datagram.Dest.Port, model.UDP)
		if decision.Action == model.Block {
			continue // silent drop
		}

		if a.shaper != nil {
			if err := a.shaper.Consume(ctx, a.identity.Username, int64(len(datagram.Payload))); err != nil {
				return
			}
		}

		targetAddr, err := net.ResolveUDPAddr("udp", dest.String())
		if err != nil {
			continue
		}
		up := a.upstreamFor(ctx, dest.PoolKey())
		if up == nil {
			continue
		}
		if _, err := up.WriteToUDP(datagram.Payload, targetAddr); err != nil {
			continue
		}

		a.sendDelta(relay.Delta{SessionID: a.sessionID, BytesSent: int64(len(datagram.Payload)), PacketsSent: 1})
	}
}

// upstreamFor returns (dialling if necessary) the per-destination socket
// used for datagrams to destKey, and starts a goroutine relaying its
// responses back to the last known client address.
func (a *udpAssociation) upstreamFor(ctx context.Context, destKey string) *net.UDPConn {
	a.mu.Lock()
	if up, ok := a.upstreams[destKey]; ok {
		a.mu.Unlock()
		return up
	}
	a.mu.Unlock()

	up, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil
	}

	a.mu.Lock()
	a.upstreams[destKey] = up
	a.mu.Unlock()

	go a.pumpResponses(ctx, up)
	return up
}

func (a *udpAssociation) pumpResponses(ctx context.Context, up *net.UDPConn) {
	buf := make([]byte, udpDatagramBufferSize)
	for {
		up.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, from, err := up.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		a.mu.Lock()
		clientAddr := a.clientAddr
		a.mu.Unlock()
		if clientAddr == nil {
			continue
		}

		header := socks5.EncodeUDPHeader("", uint16(from.Port), from.IP)
		packet := append(append([]byte(nil), header...), buf[:n]...)
		if _, err := a.relayConn.WriteToUDP(packet, clientAddr); err != nil {
			continue
		}
		a.sendDelta(relay.Delta{SessionID: a.sessionID, BytesReceived: int64(n), PacketsReceived: 1})
	}
}

func (a *udpAssociation) sendDelta(d relay.Delta) {
	if a.updates == nil {
		return
	}
	select {
	case a.updates <- d:
	default:
	}
}

func (a *udpAssociation) closeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, up := range a.upstreams {
		up.Close()
	}
}
