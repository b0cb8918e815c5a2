package quicconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"qtun/config"
	"qtun/congestion"
)

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("x509 keypair: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"qtun-test"}}
}

func TestSharedNewStreamLazilyConnects(t *testing.T) {
	log := zap.NewNop()
	serverTLS := selfSignedTLSConfig(t)
	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLS, &quic.Config{MaxIdleTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				for {
					s, err := conn.AcceptStream(context.Background())
					if err != nil {
						return
					}
					go func() {
						buf := make([]byte, 4)
						s.Read(buf)
						s.Write(buf)
						s.Close()
					}()
				}
			}()
		}
	}()

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"qtun-test"}}
	cc := congestion.New(config.Bbr, log)
	shared := New(ln.Addr().String(), "qtun-test", clientTLS, cc, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := shared.NewStream(ctx)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected echo ping, got %q", buf)
	}
}

func TestSharedNewStreamFailsWhenUnreachable(t *testing.T) {
	log := zap.NewNop()
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"qtun-test"}}
	cc := congestion.New(config.Cubic, log)
	// Nothing listens on this address; NewStream should retry until ctx
	// deadline and return an error, never blocking past it.
	shared := New("127.0.0.1:1", "qtun-test", clientTLS, cc, log)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if _, err := shared.NewStream(ctx); err == nil {
		t.Fatalf("expected error connecting to unreachable address")
	}
}

func TestSharedClonesShareState(t *testing.T) {
	log := zap.NewNop()
	cc := congestion.New(config.Bbr, log)
	shared := New("127.0.0.1:1", "qtun-test", &tls.Config{}, cc, log)
	clone := shared
	if clone.in != shared.in {
		t.Fatalf("expected clone to share the same inner state pointer")
	}
}
