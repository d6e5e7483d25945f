package proxy

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ro-imap-proxy/internal/config"
)

// writeTestCert generates a throwaway self-signed cert/key pair under dir,
// for exercising the server's require_tls/STARTTLS config plumbing without
// needing a real certificate on disk.
func writeTestCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

// TestServerAccept verifies that the server accepts a connection and sends a greeting.
func TestServerAccept(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	cfg := &config.Config{Server: config.ServerConfig{Listen: "127.0.0.1:0"}}
	srv := NewServer(cfg, slog.Default())
	go srv.Serve(l)
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.Contains(line, "OK") {
		t.Errorf("expected greeting with OK, got: %q", line)
	}
}

// TestServerClose verifies that Close causes the server to stop accepting connections.
func TestServerClose(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	cfg := &config.Config{Server: config.ServerConfig{Listen: "127.0.0.1:0"}}
	srv := NewServer(cfg, slog.Default())
	addr := l.Addr().String()

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(l)
	}()

	// Give the server a moment to start.
	time.Sleep(10 * time.Millisecond)

	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server did not stop after Close")
	}

	// Verify no new connections are accepted.
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Error("expected dial to fail after server closed, but it succeeded")
	}
}

// TestServerRequireTLS verifies that a require_tls listener wraps accepted
// connections in TLS, so a plaintext greeting can only be read after a TLS
// handshake completes.
func TestServerRequireTLS(t *testing.T) {
	certPath, keyPath := writeTestCert(t, t.TempDir())

	cfg := &config.Config{Server: config.ServerConfig{
		Listen:      "127.0.0.1:0",
		RequireTLS:  true,
		TLSCertFile: certPath,
		TLSKeyFile:  keyPath,
	}}
	srv := NewServer(cfg, slog.Default())
	go srv.ListenAndServe()
	defer srv.Close()

	var addr string
	for i := 0; i < 50; i++ {
		if a := srv.Addr(); a != "" {
			addr = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never bound a listener")
	}

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting over TLS: %v", err)
	}
	if !strings.Contains(line, "OK") {
		t.Errorf("expected greeting with OK, got: %q", line)
	}
}
