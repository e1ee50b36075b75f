package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xulek/rustsocks/model"
)

func TestRun_EchoesAndReportsClientEOF(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()

	// upstream echo: read from upstreamRemote, write back.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := upstreamRemote.Read(buf)
			if n > 0 {
				upstreamRemote.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	updates := make(chan Delta, 16)
	done := make(chan Result, 1)
	go func() {
		done <- Run(context.Background(), clientRemote, upstreamLocal, Options{
			BufferSize:     1024,
			PacketInterval: 1,
			Updates:        updates,
			SessionID:      "sess-1",
		})
	}()

	payload := []byte("hello relay")
	_, err := clientLocal.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	clientLocal.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(clientLocal, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf)

	var gotSentDelta bool
	timeout := time.After(2 * time.Second)
	for !gotSentDelta {
		select {
		case d := <-updates:
			if d.BytesSent > 0 {
				gotSentDelta = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for accounting delta")
		}
	}

	clientLocal.Close()
	select {
	case res := <-done:
		require.Contains(t, []model.CloseReason{model.CloseClientEOF, model.CloseUpstreamError, model.CloseCancelled}, res.CloseReason)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after client close")
	}
}

func TestRun_CancelStopsBothHalves(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	upstreamLocal, upstreamRemote := net.Pipe()
	defer clientLocal.Close()
	defer upstreamRemote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- Run(ctx, clientRemote, upstreamLocal, Options{BufferSize: 512, PacketInterval: 1})
	}()

	cancel()

	select {
	case res := <-done:
		require.Equal(t, model.CloseCancelled, res.CloseReason)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not observe cancellation")
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
