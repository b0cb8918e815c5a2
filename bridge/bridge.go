// Package bridge implements the full-duplex byte copy between a local
// TCP/Unix endpoint and a tunneled QUIC stream (spec §4.3, component C3).
package bridge

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"qtun/idletimeout"
	"qtun/streamconn"
)

// IdleTimeout is how long a bridge tolerates total inactivity across both
// directions before it is torn down (spec §5).
const IdleTimeout = 300 * time.Second

// halfCloser is implemented by *net.TCPConn and *net.UnixConn; it lets the
// remote->local direction signal EOF to the local peer without tearing down
// the whole connection, honoring half-close.
type halfCloser interface {
	CloseWrite() error
}

// Run copies bytes in both directions between local (the accepted TCP/Unix
// socket) and remote (the tunneled QUIC stream) until both directions have
// finished (each by EOF or an error) or the idle timeout fires. An error in
// one direction ends that direction only; the other keeps copying until it
// finishes too. Run always closes local before returning; if the idle
// timeout fired or either direction ended in an error, it also resets remote.
func Run(local net.Conn, remote *streamconn.Conn, log *zap.Logger) {
	defer local.Close()

	var localToRemote, remoteToLocal atomic.Int64
	var copyErr atomic.Value
	var timedOut atomic.Bool

	watcher := idletimeout.Start(IdleTimeout, func() {
		timedOut.Store(true)
		remote.Reset()
		local.Close()
	})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		src := idletimeout.TouchReader(local, watcher)
		dst := idletimeout.TouchWriter(remote, watcher)
		n, err := io.Copy(dst, src)
		localToRemote.Store(n)
		// local signaled EOF (or errored out): shut the outbound stream's
		// write half so the backend sees our FIN, honoring half-close.
		remote.CloseWrite()
		if err != nil {
			copyErr.CompareAndSwap(nil, err)
		}
	}()

	go func() {
		defer wg.Done()
		src := idletimeout.TouchReader(remote, watcher)
		dst := idletimeout.TouchWriter(local, watcher)
		n, err := io.Copy(dst, src)
		remoteToLocal.Store(n)
		if hc, ok := local.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			local.Close()
		}
		if err != nil {
			copyErr.CompareAndSwap(nil, err)
		}
	}()

	wg.Wait()
	watcher.Stop()

	l2r, r2l := localToRemote.Load(), remoteToLocal.Load()

	switch {
	case timedOut.Load():
		log.Info("bridge idle timeout, stream reset",
			zap.Duration("idle_timeout", IdleTimeout),
			zap.Int64("local_to_remote_bytes", l2r),
			zap.Int64("remote_to_local_bytes", r2l))
	case copyErr.Load() != nil:
		log.Warn("bridge io error, stream reset",
			zap.Error(copyErr.Load().(error)),
			zap.Int64("local_to_remote_bytes", l2r),
			zap.Int64("remote_to_local_bytes", r2l))
		remote.Reset()
	default:
		log.Info("bridge closed",
			zap.Int64("local_to_remote_bytes", l2r),
			zap.Int64("remote_to_local_bytes", r2l))
	}
}
