package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"qtun/certs"
	"qtun/client"
	"qtun/config"
	"qtun/congestion"
	"qtun/logging"
	"qtun/quicconn"
	"qtun/server"
)

// alpn is the ALPN token negotiated during the QUIC handshake (spec §6).
const alpn = "hq-29"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "qtun: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qtun: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("fatal startup failure", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if cfg.Client != nil {
		caPool, err := certs.LoadCAPool(cfg.Client.CACertificate)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		tlsConfig := &tls.Config{
			RootCAs:    caPool,
			ServerName: cfg.Client.DomainName,
			NextProtos: []string{alpn},
		}
		cc := congestion.New(cfg.Client.CongestionController, log)
		shared := quicconn.New(cfg.Client.RemoteAddr, cfg.Client.DomainName, tlsConfig, cc, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Run(ctx, cfg.Client.LocalAddr, shared, log); err != nil {
				log.Error("client accept loop exited", zap.Error(err))
			}
		}()
	}

	if cfg.Server != nil {
		serverCert, err := certs.LoadServerKeyPair(cfg.Server.ServerCert, cfg.Server.ServerKey)
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			NextProtos:   []string{alpn},
		}
		cc := congestion.New(cfg.Server.CongestionController, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx, cfg.Server, tlsConfig, cc, log); err != nil {
				log.Error("server accept loop exited", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	wg.Wait()
	return nil
}
