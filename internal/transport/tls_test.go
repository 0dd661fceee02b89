package transport

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/reactor"
)

// loopbackTLS returns a server config with a fresh certificate for 127.0.0.1
// and a client config trusting only that certificate.
func loopbackTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "cosync test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
		MinVersion:   tls.VersionTLS12,
	}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
	return server, client
}

func TestConn_TLSSendAndReceive(t *testing.T) {
	ln, cfg := listen(t)
	serverTLS, clientTLS := loopbackTLS(t)
	tln := tls.NewListener(ln, serverTLS)

	received := make(chan string, 1)
	go func() {
		sock, err := tln.Accept()
		if err != nil {
			return
		}
		defer sock.Close()
		line, _ := bufio.NewReader(sock).ReadString('\n')
		received <- line
		sock.Write([]byte(`{"name":"ping","res_id":1}` + "\n"))
		time.Sleep(time.Second)
	}()

	cfg.Secure = true
	cfg.TLS = clientTLS
	r := reactor.New()
	l := &recordingListener{}
	c := New(r, cfg, l, WithLogger(zaptest.NewLogger(t)))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	runUntil(t, r, func() bool { return l.connected == 1 })

	if _, err := c.Send(&protocol.GetBuf{ID: 5}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	runUntil(t, r, func() bool { return len(l.messages) == 1 })

	select {
	case line := <-received:
		env, err := protocol.Decode([]byte(strings.TrimSuffix(line, "\n")))
		if err != nil {
			t.Fatalf("server got undecodable frame %q: %v", line, err)
		}
		if gb, ok := env.Msg.(*protocol.GetBuf); !ok || gb.ID != 5 {
			t.Errorf("server got %#v, want get_buf id 5", env.Msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
	}
	if _, ok := l.messages[0].Msg.(*protocol.Ping); !ok {
		t.Errorf("message = %T, want *protocol.Ping", l.messages[0].Msg)
	}
	if len(l.disconnected) != 0 {
		t.Errorf("disconnected = %v, want none", l.disconnected)
	}

	c.Stop()
}

func TestConn_TLSHandshakeFailureGivesUp(t *testing.T) {
	ln, cfg := listen(t)
	_, clientTLS := loopbackTLS(t)

	var accepted atomic.Int32
	go func() {
		for {
			sock, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			sock.Write([]byte("HTTP/1.0 400 Bad Request\r\n\r\n"))
			sock.Close()
		}
	}()

	cfg.Secure = true
	cfg.TLS = clientTLS
	cfg.MaxRetries = 3
	r := reactor.New()
	l := &recordingListener{}
	c := New(r, cfg, l, WithLogger(zaptest.NewLogger(t)))
	c.Connect()

	retries := 0
	runUntil(t, r, func() bool {
		if c.Retries() < retries {
			t.Fatalf("Retries() went from %d to %d", retries, c.Retries())
		}
		retries = c.Retries()
		return c.State() == StateGaveUp
	})
	for i := 0; i < 20; i++ {
		r.Tick(5 * time.Millisecond)
	}

	if c.Retries() != 3 {
		t.Errorf("Retries() = %d, want 3", c.Retries())
	}
	if got := accepted.Load(); got != 3 {
		t.Errorf("accepted = %d, want 3", got)
	}
	if l.connected != 0 {
		t.Errorf("connected = %d, want 0", l.connected)
	}
	if len(l.gaveUp) != 1 {
		t.Fatalf("gave up %d times, want 1", len(l.gaveUp))
	}
	if !strings.Contains(l.gaveUp[0].Error(), "tls handshake") {
		t.Errorf("gave up with %v, want a handshake error", l.gaveUp[0])
	}
}
