package engine

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/relay"
	"github.com/xulek/rustsocks/socks5"
)

// handleConnect implements the Connecting -> Relaying -> Closed path:
// acquire (or dial) an upstream connection, reply, relay
// with accounting, then return the upstream to the pool if it is still
// healthy.
func (e *Engine) handleConnect(ctx context.Context, client net.Conn, identity model.Identity, dest model.Destination, sess *model.Session, log logrus.FieldLogger) {
	key := dest.PoolKey()
	upstream, err := e.deps.Pool.Acquire(ctx, key, func(dctx context.Context) (net.Conn, error) {
		return e.deps.Dialer.DialContext(dctx, "tcp", dest.String())
	})
	if err != nil {
		log.WithError(err).Debug("engine: upstream dial failed")
		client.Write(socks5.EncodeReply(classifyDialError(err), nil, 0))
		reason := model.CloseUpstreamError
		e.deps.Sessions.Finalize(sess.ID.String(), model.StatusFailed, &reason)
		return
	}

	var bindIP net.IP
	var bindPort uint16
	if tcpAddr, ok := upstream.LocalAddr().(*net.TCPAddr); ok {
		bindIP = tcpAddr.IP
		bindPort = uint16(tcpAddr.Port)
	}
	client.Write(socks5.EncodeReply(socks5.RepSuccess, bindIP, bindPort))

	result := relay.Run(ctx, client, upstream, relay.Options{
		BufferSize:     e.cfg.RelayBufferSize,
		PacketInterval: e.cfg.TrafficUpdatePacketInterval,
		Shaper:         e.deps.Shaper,
		ShaperLeafKey:  identity.Username,
		Updates:        e.deps.Sessions.Updates(),
		SessionID:      sess.ID.String(),
		IdleTimeout:    e.cfg.IdleRelayTimeout,
	})

	healthy := result.CloseReason == model.CloseClientEOF || result.CloseReason == model.CloseUpstreamEOF
	e.deps.Pool.Release(key, upstream, healthy)

	status := model.StatusClosed
	if result.CloseReason == model.CloseClientError || result.CloseReason == model.CloseUpstreamError {
		status = model.StatusFailed
	}
	reason := result.CloseReason
	e.deps.Sessions.Finalize(sess.ID.String(), status, &reason)
}
