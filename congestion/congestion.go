// Package congestion records the QUIC congestion-control algorithm named in
// configuration and logs it for each established connection. It does not
// install a sender: every connection runs quic-go's default congestion
// controller whichever algorithm is configured.
package congestion

import (
	"sync/atomic"

	"go.uber.org/zap"

	"qtun/config"

	"github.com/quic-go/quic-go"
)

// Controller remembers which algorithm was configured and is called once a
// *quic.Conn exists (the hook quic-go exposes is per-connection, not
// per-config, so this runs post-handshake rather than at dial time). A
// single Controller is shared across every connection the server accepts, so
// Apply must be safe to call concurrently from one goroutine per connection.
type Controller struct {
	kind   config.CongestionController
	log    *zap.Logger
	warned atomic.Bool
}

func New(kind config.CongestionController, log *zap.Logger) *Controller {
	return &Controller{kind: kind, log: log}
}

// Apply is called once per newly-established QUIC connection, both on the
// client (after Dial) and on the server (after accepting a connection). It
// logs the configured algorithm (warning once if it is Bbr) and leaves the
// connection's congestion controller unchanged.
func (c *Controller) Apply(conn *quic.Conn) {
	if c.kind == config.Bbr && c.warned.CompareAndSwap(false, true) {
		c.log.Warn("bbr congestion control requested but not available from this build of quic-go; using the library default sender",
			zap.String("congestion_controller", c.kind.String()))
	}
	c.log.Debug("congestion controller configured",
		zap.String("congestion_controller", c.kind.String()),
		zap.String("remote_addr", conn.RemoteAddr().String()))
}
