package bridge

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"qtun/streamconn"
)

// generateTLSConfig creates a self-signed certificate for testing, adapted
// from connections/salmon_quic_test.go in the teacher repo.
func generateTLSConfig(t *testing.T) *tls.Config {
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
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("x509 keypair: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{"qtun-test"},
	}
}

// streamPair dials a loopback QUIC listener and returns one open stream on
// each side, sharing one stream id.
func streamPair(t *testing.T) (client, server *quic.Stream, closeAll func()) {
	t.Helper()
	tlsCfg := generateTLSConfig(t)
	ln, err := quic.ListenAddr("127.0.0.1:0", tlsCfg, &quic.Config{MaxIdleTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("listen quic: %v", err)
	}

	serverCh := make(chan *quic.Stream, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		s, err := conn.AcceptStream(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- s
	}()

	clientCfg := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"qtun-test"}}
	conn, err := quic.DialAddr(context.Background(), ln.Addr().String(), clientCfg, &quic.Config{MaxIdleTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("dial quic: %v", err)
	}
	cs, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	// The accept side only sees the stream once the client writes on it.
	if _, err := cs.Write([]byte{0}); err != nil {
		t.Fatalf("prime stream: %v", err)
	}

	select {
	case ss := <-serverCh:
		buf := make([]byte, 1)
		if _, err := io.ReadFull(ss, buf); err != nil {
			t.Fatalf("read priming byte: %v", err)
		}
		return cs, ss, func() { ln.Close(); conn.CloseWithError(0, "") }
	case err := <-errCh:
		t.Fatalf("accept stream: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for server stream")
	}
	return nil, nil, nil
}

func tcpPipe(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	server := <-acceptCh
	return client, server
}

func TestBridgeEchoRoundTrip(t *testing.T) {
	log := zap.NewNop()

	// "local" leg: a TCP pipe standing in for the accepted local connection.
	localClient, localServer := tcpPipe(t)
	defer localServer.Close()

	clientStream, serverStream, closeStreams := streamPair(t)
	defer closeStreams()

	remote := streamconn.New(clientStream)

	done := make(chan struct{})
	go func() {
		Run(localServer, remote, log)
		close(done)
	}()

	// Drive the far end of the QUIC stream as an echo service.
	echoDone := make(chan struct{})
	go func() {
		io.Copy(serverStream, serverStream)
		close(echoDone)
	}()

	if _, err := localClient.Write([]byte("helloworld")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if hc, ok := localClient.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite()
	}

	buf := make([]byte, 10)
	n, err := io.ReadFull(localClient, buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf[:n]) != "helloworld" {
		t.Fatalf("expected helloworld, got %q", buf[:n])
	}

	localClient.Close()
	<-done
}

func TestBridgeHalfClose(t *testing.T) {
	log := zap.NewNop()

	localClient, localServer := tcpPipe(t)
	defer localServer.Close()

	clientStream, serverStream, closeStreams := streamPair(t)
	defer closeStreams()
	defer serverStream.Close()

	remote := streamconn.New(clientStream)

	done := make(chan struct{})
	go func() {
		Run(localServer, remote, log)
		close(done)
	}()

	if hc, ok := localClient.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			t.Fatalf("close write: %v", err)
		}
	}

	// The backend side of the QUIC stream should observe EOF.
	buf := make([]byte, 1)
	if _, err := serverStream.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF on backend stream read, got %v", err)
	}

	localClient.Close()
	<-done
}
