// Package server implements the far-side accept/dispatch loop (spec §4.6,
// component C6): accept inbound QUIC connections, round-robin each inbound
// stream to a backend TCP/Unix endpoint, and bridge it.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"qtun/bridge"
	"qtun/config"
	"qtun/congestion"
	"qtun/streamconn"
)

const (
	keepAlivePeriod       = 10 * time.Second
	maxIdleTimeout        = 30 * time.Second
	maxBidiStreams        = 2048
	backendConnectTimeout = 3 * time.Second
)

// Run binds a QUIC endpoint on cfg.LocalAddr and, for each inbound
// connection, spawns a task consuming its inbound streams until the
// connection closes. It returns only on a fatal bind error or when ctx is
// canceled.
func Run(ctx context.Context, cfg *config.ServerConfig, tlsConfig *tls.Config, cc *congestion.Controller, log *zap.Logger) error {
	quicCfg := &quic.Config{
		KeepAlivePeriod:    keepAlivePeriod,
		MaxIdleTimeout:     maxIdleTimeout,
		MaxIncomingStreams: maxBidiStreams,
	}

	ln, err := quic.ListenAddr(cfg.LocalAddr, tlsConfig, quicCfg)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", cfg.LocalAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Info("server listening", zap.String("local_addr", cfg.LocalAddr), zap.Int("backend_count", len(cfg.RemoteAddrs)))

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("accept quic connection failed", zap.Error(err))
			continue
		}
		go handleConnection(ctx, conn, cfg.RemoteAddrs, cc, log)
	}
}

// handleConnection consumes inbound streams on one QUIC connection until
// the connection ends (peer orderly close or terminal error — both simply
// end this loop, per spec §4.6 step 5). The round-robin counter is scoped to
// this connection, not the server: two concurrent connections rotate
// independently (spec §5).
func handleConnection(ctx context.Context, conn *quic.Conn, backends []config.BackendAddr, cc *congestion.Controller, log *zap.Logger) {
	cc.Apply(conn)

	var counter uint64

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Debug("stream consumption ending", zap.String("remote_addr", conn.RemoteAddr().String()), zap.Error(err))
			return
		}

		backend := nextBackend(&counter, backends)

		go dispatch(ctx, stream, backend, log)
	}
}

// nextBackend advances counter and selects the backend for the next inbound
// stream. counter is pre-incremented before indexing: stream 1 -> backends[1],
// stream 2 -> backends[0], stream 3 -> backends[1] again for a 2-backend
// list, matching the counter-starts-at-1 convention in remote_addrs[k mod
// len]. Wrapping is implicit: uint64 overflow on increment is harmless since
// only the value modulo len(backends) is ever observed.
func nextBackend(counter *uint64, backends []config.BackendAddr) config.BackendAddr {
	*counter++
	idx := *counter % uint64(len(backends))
	return backends[idx]
}

// dispatch connects to backend with a bounded timeout and bridges it with
// stream. On a timeout specifically, the stream is reset (freeing the
// client's flow-control credit promptly); on any other connect error, the
// stream is closed normally with Close (a FIN on its send half, no reset)
// (spec §4.6 step 4, and the Open Question resolution in DESIGN.md that
// rejects the half-close-before-drop variant).
func dispatch(ctx context.Context, stream *quic.Stream, backend config.BackendAddr, log *zap.Logger) {
	sc := streamconn.New(stream)

	dialCtx, cancel := context.WithTimeout(ctx, backendConnectTimeout)
	defer cancel()

	var d net.Dialer
	backendConn, err := d.DialContext(dialCtx, backend.Network(), backend.Address())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("backend connect timeout, resetting stream", zap.String("backend", backend.String()), zap.Error(err))
			sc.Reset()
		} else {
			log.Warn("backend connect failed, dropping stream", zap.String("backend", backend.String()), zap.Error(err))
			stream.Close()
		}
		return
	}

	bridge.Run(backendConn, sc, log)
}
