package engine

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/relay"
	"github.com/xulek/rustsocks/socks5"
)

// handleBind implements the Binding -> AwaitingPeer -> Relaying path:
// open a listener, send the first reply with its address,
// accept exactly one peer within BindPeerWait, send the second reply, then
// relay as for CONNECT.
func (e *Engine) handleBind(ctx context.Context, client net.Conn, dest model.Destination, sess *model.Session, log logrus.FieldLogger) {
	ln, err := e.deps.ListenTCP(":0")
	if err != nil {
		log.WithError(err).Debug("engine: bind listen failed")
		client.Write(socks5.EncodeReply(socks5.RepGeneralFailure, nil, 0))
		reason := model.CloseUpstreamError
		e.deps.Sessions.Finalize(sess.ID.String(), model.StatusFailed, &reason)
		return
	}
	defer ln.Close()

	tcpAddr, _ := ln.Addr().(*net.TCPAddr)
	var bindIP net.IP
	var bindPort uint16
	if tcpAddr != nil {
		bindIP = tcpAddr.IP
		bindPort = uint16(tcpAddr.Port)
	}
	client.Write(socks5.EncodeReply(socks5.RepSuccess, bindIP, bindPort))

	peerCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		peer, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		peerCh <- peer
	}()

	var peer net.Conn
	select {
	case peer = <-peerCh:
	case <-errCh:
		client.Write(socks5.EncodeReply(socks5.RepGeneralFailure, nil, 0))
		reason := model.CloseUpstreamError
		e.deps.Sessions.Finalize(sess.ID.String(), model.StatusFailed, &reason)
		return
	case <-time.After(e.cfg.BindPeerWait):
		client.Write(socks5.EncodeReply(socks5.RepGeneralFailure, nil, 0))
		reason := model.CloseTimeout
		e.deps.Sessions.Finalize(sess.ID.String(), model.StatusFailed, &reason)
		return
	case <-ctx.Done():
		reason := model.CloseCancelled
		e.deps.Sessions.Finalize(sess.ID.String(), model.StatusFailed, &reason)
		return
	}
	defer peer.Close()

	var peerIP net.IP
	var peerPort uint16
	if tcpAddr, ok := peer.RemoteAddr().(*net.TCPAddr); ok {
		peerIP = tcpAddr.IP
		peerPort = uint16(tcpAddr.Port)
	}
	client.Write(socks5.EncodeReply(socks5.RepSuccess, peerIP, peerPort))

	result := relay.Run(ctx, client, peer, relay.Options{
		BufferSize:     e.cfg.RelayBufferSize,
		PacketInterval: e.cfg.TrafficUpdatePacketInterval,
		Shaper:         e.deps.Shaper,
		Updates:        e.deps.Sessions.Updates(),
		SessionID:      sess.ID.String(),
		IdleTimeout:    e.cfg.IdleRelayTimeout,
	})

	status := model.StatusClosed
	if result.CloseReason == model.CloseClientError || result.CloseReason == model.CloseUpstreamError {
		status = model.StatusFailed
	}
	reason := result.CloseReason
	e.deps.Sessions.Finalize(sess.ID.String(), status, &reason)
}
