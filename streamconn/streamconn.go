// Package streamconn adapts a QUIC bidirectional stream into a single
// read/write endpoint with an idempotent, application-level reset.
package streamconn

import (
	"sync"

	"github.com/quic-go/quic-go"
)

// ResetCode is the application error code used for every stream reset this
// tunnel issues, on both the send and receive half, per the wire contract.
const ResetCode quic.StreamErrorCode = 100

// Conn wraps a *quic.Stream, presenting it as an io.ReadWriteCloser with an
// idempotent Reset. quic.Stream already satisfies io.Reader/io.Writer/
// io.Closer directly, so Conn mostly centralizes the reset bookkeeping the
// rest of the tunnel needs: reset must be called at most once and must
// always use ResetCode on both halves (spec invariant).
type Conn struct {
	stream *quic.Stream

	once sync.Once
}

// New wraps stream. stream is typically the return value of
// (*quic.Conn).OpenStreamSync on the client or (*quic.Conn).AcceptStream on
// the server — both yield a *quic.Stream with independent send/recv halves
// sharing one stream ID.
func New(stream *quic.Stream) *Conn {
	return &Conn{stream: stream}
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

// Close performs a normal, graceful close of the send half (FIN), as
// distinct from Reset's abrupt abort. It does not itself send a reset.
func (c *Conn) Close() error {
	return c.stream.Close()
}

// CloseWrite signals peer-side EOF on this direction only, for half-close.
func (c *Conn) CloseWrite() error {
	return c.stream.Close()
}

// Reset issues an abrupt, application-level reset on both stream halves
// using ResetCode. It is idempotent and infallible from the caller's
// perspective: the underlying stream is already heading to a terminal state
// by the time Reset is called, so any error from quic-go is not actionable
// and is swallowed.
func (c *Conn) Reset() {
	c.once.Do(func() {
		c.stream.CancelWrite(ResetCode)
		c.stream.CancelRead(ResetCode)
	})
}

// StreamID exposes the underlying stream's id, useful for logging.
func (c *Conn) StreamID() quic.StreamID {
	return c.stream.StreamID()
}
