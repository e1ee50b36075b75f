package engine

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xulek/rustsocks/acl"
	"github.com/xulek/rustsocks/auth"
	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/pool"
	"github.com/xulek/rustsocks/session"
	"github.com/xulek/rustsocks/socks5"
)

func testEngine(t *testing.T, aclCfg *model.AclConfig, authenticators []auth.Authenticator) (*Engine, *session.Manager) {
	t.Helper()
	if aclCfg == nil {
		aclCfg = &model.AclConfig{DefaultPolicy: model.Allow}
	}
	if authenticators == nil {
		authenticators = []auth.Authenticator{auth.NewNoAuth("")}
	}

	mgr, err := session.NewManager(session.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	p := pool.New(pool.Config{Enabled: false}, nil)
	t.Cleanup(p.Close)

	eng := New(DefaultConfig(), Deps{
		Authenticators: authenticators,
		ACL:            acl.NewEngine(aclCfg, nil),
		UDPCache:       acl.NewUDPCache(time.Second, 64),
		Pool:           p,
		Dialer:         &net.Dialer{Timeout: 2 * time.Second},
		Sessions:       mgr,
	})
	return eng, mgr
}

// echoUpstream accepts exactly one connection on a random local port and
// echoes whatever it reads until EOF.
func echoUpstream(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return ln.Addr()
}

func dialPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srvCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		srvCh <- c
	}()
	cli, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	return cli, <-srvCh
}

func connectRequest(t *testing.T, addr net.Addr) []byte {
	t.Helper()
	tcpAddr := addr.(*net.TCPAddr)
	buf := []byte{socks5.Version, byte(socks5.CmdConnect), 0x00, byte(socks5.ATypIPv4)}
	buf = append(buf, tcpAddr.IP.To4()...)
	port := [2]byte{byte(tcpAddr.Port >> 8), byte(tcpAddr.Port)}
	return append(buf, port[:]...)
}

func TestHandleConnection_NoAuthConnectEchoes(t *testing.T) {
	upstream := echoUpstream(t)
	eng, mgr := testEngine(t, nil, nil)

	client, server := dialPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		eng.HandleConnection(context.Background(), server)
		close(done)
	}()

	// greeting: NoAuth offered
	_, err := client.Write([]byte{socks5.Version, 0x01, byte(auth.MethodNoAuth)})
	require.NoError(t, err)
	methodReply := make([]byte, 2)
	_, err = io.ReadFull(client, methodReply)
	require.NoError(t, err)
	require.Equal(t, []byte{socks5.Version, byte(auth.MethodNoAuth)}, methodReply)

	_, err = client.Write(connectRequest(t, upstream))
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socks5.RepSuccess), reply[1])

	payload := []byte("hello-through-proxy")
	_, err = client.Write(payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(client, echoed)
	require.NoError(t, err)
	require.Equal(t, payload, echoed)

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client close")
	}

	require.Eventually(t, func() bool {
		recent := mgr.Recent(10)
		return len(recent) == 1 && recent[0].Status == model.StatusClosed
	}, time.Second, 10*time.Millisecond)
}

func TestHandleConnection_ACLBlockRepliesNotAllowed(t *testing.T) {
	upstream := echoUpstream(t)
	blockAll := &model.AclConfig{DefaultPolicy: model.Block}
	eng, mgr := testEngine(t, blockAll, nil)

	client, server := dialPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		eng.HandleConnection(context.Background(), server)
		close(done)
	}()

	client.Write([]byte{socks5.Version, 0x01, byte(auth.MethodNoAuth)})
	methodReply := make([]byte, 2)
	io.ReadFull(client, methodReply)

	client.Write(connectRequest(t, upstream))
	reply := make([]byte, 10)
	_, err := io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socks5.RepNotAllowedByRuleset), reply[1])

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}

	require.Eventually(t, func() bool {
		recent := mgr.Recent(10)
		return len(recent) == 1 && recent[0].Status == model.StatusRejectedByACL
	}, time.Second, 10*time.Millisecond)
}

func TestHandleConnection_UserPassRejectSendsFailureStatus(t *testing.T) {
	upAuth := auth.NewUserPassStatic(map[string]string{"alice": "s3cret"}, nil)
	eng, mgr := testEngine(t, nil, []auth.Authenticator{upAuth})

	client, server := dialPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		eng.HandleConnection(context.Background(), server)
		close(done)
	}()

	client.Write([]byte{socks5.Version, 0x01, byte(auth.MethodUsernamePassword)})
	methodReply := make([]byte, 2)
	io.ReadFull(client, methodReply)
	require.Equal(t, byte(auth.MethodUsernamePassword), methodReply[1])

	user, pass := "alice", "wrong"
	req := []byte{0x01, byte(len(user))}
	req = append(req, user...)
	req = append(req, byte(len(pass)))
	req = append(req, pass...)
	client.Write(req)

	statusReply := make([]byte, 2)
	_, err := io.ReadFull(client, statusReply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x01}, statusReply)

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}

	require.Eventually(t, func() bool {
		recent := mgr.Recent(10)
		return len(recent) == 1 &&
			recent[0].Status == model.StatusFailed &&
			recent[0].CloseReason != nil &&
			*recent[0].CloseReason == model.CloseAuthFailed
	}, time.Second, 10*time.Millisecond)
}

func TestHandleConnection_UnknownCommandRepliesNotSupported(t *testing.T) {
	eng, mgr := testEngine(t, nil, nil)

	client, server := dialPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		eng.HandleConnection(context.Background(), server)
		close(done)
	}()

	client.Write([]byte{socks5.Version, 0x01, byte(auth.MethodNoAuth)})
	methodReply := make([]byte, 2)
	io.ReadFull(client, methodReply)

	// CMD=0x09 is not CONNECT/BIND/UDP-ASSOCIATE.
	req := []byte{socks5.Version, 0x09, 0x00, byte(socks5.ATypIPv4), 127, 0, 0, 1, 0x00, 0x50}
	client.Write(req)

	reply := make([]byte, 10)
	_, err := io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socks5.RepCommandNotSupported), reply[1])

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}

	require.Eventually(t, func() bool {
		recent := mgr.Recent(10)
		return len(recent) == 1 && recent[0].Status == model.StatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestHandleConnection_NoAcceptableMethodClosesConnection(t *testing.T) {
	eng, _ := testEngine(t, nil, []auth.Authenticator{auth.NewUserPassStatic(nil, nil)})

	client, server := dialPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		eng.HandleConnection(context.Background(), server)
		close(done)
	}()

	client.Write([]byte{socks5.Version, 0x01, byte(auth.MethodNoAuth)})
	reply := make([]byte, 2)
	_, err := io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{socks5.Version, byte(auth.MethodNoAcceptable)}, reply)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestHandleConnection_UDPAssociateRelaysAndBlocksPerDatagram(t *testing.T) {
	// UDP echo upstream.
	echoConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { echoConn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := echoConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echoConn.WriteToUDP(buf[:n], from)
		}
	}()
	echoAddr := echoConn.LocalAddr().(*net.UDPAddr)

	aclCfg := &model.AclConfig{
		DefaultPolicy: model.Allow,
		Users: []model.User{{
			Name: model.AnonymousUsername,
			Rules: []model.AclRule{{
				Action:       model.Block,
				Description:  "public resolver blocked",
				Priority:     100,
				Destinations: []model.DestMatcher{mustIPMatcher(t, "8.8.8.8")},
				Ports:        []model.PortMatcher{model.MatchAllPortMatcher{}},
				Protocols:    map[model.Transport]struct{}{model.UDP: {}},
			}},
		}},
	}
	eng, _ := testEngine(t, aclCfg, nil)

	control, server := dialPair(t)
	defer control.Close()

	done := make(chan struct{})
	go func() {
		eng.HandleConnection(context.Background(), server)
		close(done)
	}()

	control.Write([]byte{socks5.Version, 0x01, byte(auth.MethodNoAuth)})
	methodReply := make([]byte, 2)
	io.ReadFull(control, methodReply)

	// UDP ASSOCIATE with a zero client address.
	control.Write([]byte{socks5.Version, byte(socks5.CmdUDPAssociate), 0x00, byte(socks5.ATypIPv4), 0, 0, 0, 0, 0, 0})
	hdr := make([]byte, 4)
	_, err = io.ReadFull(control, hdr)
	require.NoError(t, err)
	require.Equal(t, byte(socks5.RepSuccess), hdr[1])
	addrLen := 4
	if socks5.AddrType(hdr[3]) == socks5.ATypIPv6 {
		addrLen = 16
	}
	rest := make([]byte, addrLen+2)
	_, err = io.ReadFull(control, rest)
	require.NoError(t, err)
	relayPort := int(rest[addrLen])<<8 | int(rest[addrLen+1])

	clientSock, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: relayPort})
	require.NoError(t, err)
	defer clientSock.Close()

	wrap := func(ip net.IP, port int, payload []byte) []byte {
		d := []byte{0x00, 0x00, 0x00, byte(socks5.ATypIPv4)}
		d = append(d, ip.To4()...)
		d = append(d, byte(port>>8), byte(port))
		return append(d, payload...)
	}

	// Allowed destination echoes back through the relay.
	clientSock.Write(wrap(echoAddr.IP, echoAddr.Port, []byte("ping")))
	resp := make([]byte, 2048)
	clientSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientSock.Read(resp)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 10+4)
	require.Equal(t, []byte("ping"), resp[n-4:n])

	// Blocked destination is silently dropped: nothing comes back and the
	// control channel stays up.
	clientSock.Write(wrap(net.IPv4(8, 8, 8, 8), 53, []byte("blocked")))
	clientSock.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = clientSock.Read(resp)
	require.Error(t, err)

	control.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after control channel close")
	}
}

func mustIPMatcher(t *testing.T, ip string) model.DestMatcher {
	t.Helper()
	parsed := net.ParseIP(ip)
	require.NotNil(t, parsed)
	return model.ExactIPMatcher{IP: parsed}
}

func TestHandleConnection_PoolReuseObservableInStats(t *testing.T) {
	upstream := echoUpstream(t)

	mgr, err := session.NewManager(session.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	p := pool.New(pool.Config{Enabled: true, MaxIdlePerDest: 2, MaxTotalIdle: 4, IdleTimeout: time.Minute, ConnectTimeout: 2 * time.Second}, nil)
	t.Cleanup(p.Close)

	eng := New(DefaultConfig(), Deps{
		Authenticators: []auth.Authenticator{auth.NewNoAuth("")},
		ACL:            acl.NewEngine(&model.AclConfig{DefaultPolicy: model.Allow}, nil),
		UDPCache:       acl.NewUDPCache(time.Second, 64),
		Pool:           p,
		Dialer:         &net.Dialer{Timeout: 2 * time.Second},
		Sessions:       mgr,
	})

	for i := 0; i < 2; i++ {
		client, server := dialPair(t)
		done := make(chan struct{})
		go func() {
			eng.HandleConnection(context.Background(), server)
			close(done)
		}()

		client.Write([]byte{socks5.Version, 0x01, byte(auth.MethodNoAuth)})
		methodReply := make([]byte, 2)
		io.ReadFull(client, methodReply)

		client.Write(connectRequest(t, upstream))
		reply := make([]byte, 10)
		io.ReadFull(client, reply)

		client.Close()
		<-done
	}

	global, _ := p.Snapshot()
	require.GreaterOrEqual(t, global.Hits, int64(1))
}
