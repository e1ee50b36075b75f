// Package relay implements the bidirectional copy between a client and
// its upstream: two half-duplex goroutines (client->upstream,
// upstream->client) each accumulating byte/packet counts and periodically
// flushing deltas to the session manager, consulting the QoS shaper
// before every write.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xulek/rustsocks/model"
	"github.com/xulek/rustsocks/qos"
)

// DefaultBufferSize is the per-half copy buffer size, tunable via
// Options.BufferSize.
const DefaultBufferSize = 8 * 1024

// DefaultPacketInterval is how many reads accumulate before a delta
// flush.
const DefaultPacketInterval = 10

// Delta is one accounting update sent to the session manager.
type Delta struct {
	SessionID        string
	BytesSent        int64
	BytesReceived    int64
	PacketsSent      int64
	PacketsReceived  int64
}

// Options configures one Relay invocation.
type Options struct {
	BufferSize      int
	PacketInterval  int
	Shaper          *qos.Shaper
	ShaperLeafKey   string
	Updates         chan<- Delta
	SessionID       string
	// IdleTimeout bounds how long a half may wait with no data before the
	// relay gives up. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// DefaultIdleTimeout is used when Options.IdleTimeout is unset.
const DefaultIdleTimeout = 5 * time.Minute

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// Result is what Run reports once both halves have stopped.
type Result struct {
	CloseReason model.CloseReason
}

// Run splits client and upstream into two half-duplex copies and blocks
// until both finish, returning why the relay stopped. Cancelling ctx
// stops both halves cooperatively after flushing pending writes.
func Run(ctx context.Context, client, upstream net.Conn, opt Options) Result {
	if opt.BufferSize <= 0 {
		opt.BufferSize = DefaultBufferSize
	}
	if opt.PacketInterval <= 0 {
		opt.PacketInterval = DefaultPacketInterval
	}
	if opt.IdleTimeout <= 0 {
		opt.IdleTimeout = DefaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	reasons := make(chan model.CloseReason, 2)

	go func() {
		defer wg.Done()
		reason := copyHalf(ctx, upstream, client, opt, false)
		reasons <- reason
		cancel()
	}()
	go func() {
		defer wg.Done()
		reason := copyHalf(ctx, client, upstream, opt, true)
		reasons <- reason
		cancel()
	}()

	wg.Wait()
	close(reasons)

	// The first non-cancelled reason observed explains the relay's end;
	// if both sides merely observed the peer's cancellation, report
	// cancelled.
	final := model.CloseCancelled
	for r := range reasons {
		if r != model.CloseCancelled {
			final = r
			break
		}
	}
	return Result{CloseReason: final}
}

// copyHalf copies src -> dst; fromUpstream is true when this half carries
// upstream->client bytes (counted as "received" from the session's point
// of view) and false for client->upstream ("sent").
func copyHalf(ctx context.Context, dst, src net.Conn, opt Options, fromUpstream bool) model.CloseReason {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	if cap(*bufp) < opt.BufferSize {
		*bufp = make([]byte, opt.BufferSize)
	}
	buf := (*bufp)[:opt.BufferSize]

	// A blocking Read only notices ctx cancellation once it returns, so a
	// watcher forces it to return immediately by pushing the deadline into
	// the past the moment ctx is cancelled (net.Conn permits concurrent
	// SetReadDeadline calls while a Read is in flight).
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			src.SetReadDeadline(time.Now())
		case <-stopWatch:
		}
	}()

	var bytesAcc, packetsAcc int64
	reads := 0

	flush := func() {
		if opt.Updates == nil || (bytesAcc == 0 && packetsAcc == 0) {
			return
		}
		d := Delta{SessionID: opt.SessionID}
		if fromUpstream {
			d.BytesReceived = bytesAcc
			d.PacketsReceived = packetsAcc
		} else {
			d.BytesSent = bytesAcc
			d.PacketsSent = packetsAcc
		}
		select {
		case opt.Updates <- d:
			bytesAcc, packetsAcc = 0, 0
		default:
			// Channel full: merge into the next flush rather than drop.
		}
	}

	reason := model.CloseClientEOF
	if fromUpstream {
		reason = model.CloseUpstreamEOF
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			halfClose(dst, src)
			return model.CloseCancelled
		default:
		}

		src.SetReadDeadline(time.Now().Add(opt.IdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if opt.Shaper != nil {
				if serr := opt.Shaper.Consume(ctx, opt.ShaperLeafKey, int64(n)); serr != nil {
					flush()
					halfClose(dst, src)
					return model.CloseCancelled
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				bytesAcc += int64(n)
				packetsAcc++
				flush()
				halfClose(dst, src)
				if fromUpstream {
					return model.CloseClientError
				}
				return model.CloseUpstreamError
			}
			bytesAcc += int64(n)
			packetsAcc++
			reads++
			if reads >= opt.PacketInterval {
				flush()
				reads = 0
			}
		}
		if err != nil {
			if isTimeout(err) {
				select {
				case <-ctx.Done():
					// The watcher forced this wakeup via a past deadline,
					// not a genuine idle timeout.
					flush()
					halfClose(dst, src)
					return model.CloseCancelled
				default:
				}
				flush()
				halfClose(dst, src)
				return model.CloseTimeout
			}
			flush()
			halfClose(dst, src)
			if errors.Is(err, io.EOF) {
				return reason
			}
			if fromUpstream {
				return model.CloseUpstreamError
			}
			return model.CloseClientError
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// halfClose signals no more data will flow from src to dst without
// tearing down the opposite direction.
func halfClose(dst, src net.Conn) {
	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	if tc, ok := src.(*net.TCPConn); ok {
		tc.CloseRead()
	}
}
