// Package quicconn implements the client-side shared QUIC connection cache
// (spec §4.4, component C4): a lazily-established, mutex-guarded, clonable
// connection handle that many concurrent accept tasks share, reconnecting
// behind a bounded backoff schedule when the cached connection goes stale.
package quicconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"qtun/congestion"
	"qtun/streamconn"
)

// backoffSchedule is the bounded reconnect delay ladder from spec §4.4; the
// last entry is reused for every attempt beyond it.
var backoffSchedule = []time.Duration{
	50 * time.Millisecond,
	75 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	750 * time.Millisecond,
	1000 * time.Millisecond,
}

const (
	handshakeTimeout  = 3 * time.Second
	openStreamTimeout = 3 * time.Second

	keepAlivePeriod = 10 * time.Second
	maxIdleTimeout  = 30 * time.Second
	maxBidiStreams  = 2048
)

func backoffFor(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// inner is the shared mutable state; Shared clones are shallow copies of a
// pointer to inner, so every clone sees the same cached connection.
type inner struct {
	addr       string
	domainName string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	cc         *congestion.Controller
	log        *zap.Logger

	mu   sync.Mutex
	conn *quic.Conn
}

// Shared is a cheap, clonable handle onto one cached QUIC connection. All
// clones — obtained just by copying the struct — observe the same
// connection slot.
type Shared struct {
	in *inner
}

// New builds a Shared handle. No network I/O happens until the first
// NewStream call. tlsConfig must already carry the CA pool / ALPN the
// caller wants; New only fills in the transport tuning from spec §4.4.
func New(addr, domainName string, tlsConfig *tls.Config, cc *congestion.Controller, log *zap.Logger) Shared {
	return Shared{in: &inner{
		addr:       addr,
		domainName: domainName,
		tlsConfig:  tlsConfig,
		quicConfig: &quic.Config{
			KeepAlivePeriod:    keepAlivePeriod,
			MaxIdleTimeout:     maxIdleTimeout,
			MaxIncomingStreams: maxBidiStreams,
		},
		cc:  cc,
		log: log,
	}}
}

// connect retries indefinitely until a connection is established or ctx is
// canceled. Must be called with in.mu held.
func (in *inner) connect(ctx context.Context) (*quic.Conn, error) {
	for attempt := 0; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		conn, err := quic.DialAddr(dialCtx, in.addr, in.tlsConfig, in.quicConfig)
		cancel()
		if err == nil {
			in.cc.Apply(conn)
			in.log.Info("quic connection established", zap.String("remote_addr", in.addr))
			return conn, nil
		}

		in.log.Warn("quic dial failed, retrying",
			zap.String("remote_addr", in.addr),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		delay := backoffFor(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// NewStream returns a freshly-opened bidirectional stream over the cached
// connection, lazily connecting (and retrying forever, per connect's
// contract) if no connection is cached yet. On any open-stream failure the
// cached connection is discarded so the next caller reconnects — spec §4.4's
// invariant that a stale connection never remains cached.
func (s Shared) NewStream(ctx context.Context) (*streamconn.Conn, error) {
	in := s.in
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.conn == nil {
		conn, err := in.connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		in.conn = conn
	}

	openCtx, cancel := context.WithTimeout(ctx, openStreamTimeout)
	defer cancel()
	stream, err := in.conn.OpenStreamSync(openCtx)
	if err != nil {
		in.log.Warn("open stream failed, discarding cached connection", zap.Error(err))
		in.conn.CloseWithError(0, "open stream failed")
		in.conn = nil
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return streamconn.New(stream), nil
}

// Close tears down the cached connection, if any. Intended for shutdown.
func (s Shared) Close() {
	in := s.in
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn != nil {
		in.conn.CloseWithError(0, "shutting down")
		in.conn = nil
	}
}
