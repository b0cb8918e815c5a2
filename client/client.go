// Package client implements the near-side accept loop (spec §4.5,
// component C5): accept local TCP connections and bridge each one to a
// fresh QUIC stream on the shared tunnel connection.
package client

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"qtun/bridge"
	"qtun/quicconn"
)

// Run binds localAddr and accepts connections forever, handing each one off
// to its own bridge goroutine. It returns an error only if the listener
// fails to bind, and nil once ctx is canceled; any other Accept error is
// logged and the loop keeps accepting.
func Run(ctx context.Context, localAddr string, shared quicconn.Shared, log *zap.Logger) error {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("client: listen %s: %w", localAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Info("client accept loop listening", zap.String("local_addr", localAddr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("client accept error", zap.Error(err))
			continue
		}
		go handle(ctx, conn, shared, log)
	}
}

func handle(ctx context.Context, conn net.Conn, shared quicconn.Shared, log *zap.Logger) {
	stream, err := shared.NewStream(ctx)
	if err != nil {
		log.Warn("open tunnel stream failed, dropping local connection",
			zap.String("local_remote_addr", conn.RemoteAddr().String()),
			zap.Error(err))
		conn.Close()
		return
	}
	bridge.Run(conn, stream, log)
}
