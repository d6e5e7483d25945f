// Package proxy accepts client connections and hands each one to a
// session.Supervisor.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"ro-imap-proxy/internal/config"
	"ro-imap-proxy/internal/imapwire"
	"ro-imap-proxy/internal/session"
)

// Server listens for incoming client connections and spawns sessions.
type Server struct {
	config   *config.Config
	mu       sync.Mutex
	listener net.Listener
	logger   *slog.Logger
}

// NewServer creates a new Server with the given config and logger.
func NewServer(cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		config: cfg,
		logger: logger,
	}
}

// ListenAndServe binds a TCP listener on cfg.Server.Listen, wrapping it in
// TLS if require_tls is set, and starts accepting connections.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Server.Listen)
	if err != nil {
		return err
	}
	if s.config.Server.RequireTLS {
		tlsCfg, terr := tlsConfig(s.config.Server)
		if terr != nil {
			l.Close()
			return terr
		}
		l = tls.NewListener(l, tlsCfg)
	}
	s.listener = l
	return s.Serve(l)
}

// Serve accepts connections on the provided listener, spawning a
// session.Supervisor goroutine per connection.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	scfg, err := supervisorConfig(s.config.Server)
	if err != nil {
		return err
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// A closed listener returns an error; treat that as clean shutdown.
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.logger.Info("new connection", "client", conn.RemoteAddr())
		sup := session.NewSupervisor(conn, s.config, scfg, s.logger)
		go func() {
			if err := sup.Run(context.Background()); err != nil {
				s.logger.Debug("session ended", "id", sup.ID, "err", err)
			}
		}()
	}
}

// Addr returns the bound listener's address, or "" if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts down the listener, causing Serve/ListenAndServe to return.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}

// supervisorConfig translates the server's declarative timeouts into the
// session package's SupervisorConfig, leaving zero values to fall back to
// session's own defaults. If a TLS cert/key pair is configured and
// require_tls is off, it's loaded once here and handed to every session
// (with require_tls, ListenAndServe loads it for the listener instead):
// STARTTLS upgrades reuse the same
// *tls.Config rather than re-reading the files per connection.
func supervisorConfig(sc config.ServerConfig) (session.SupervisorConfig, error) {
	scfg := session.SupervisorConfig{
		Limits: imapwire.Limits{
			MaxLineBytes:    sc.MaxLineBytes,
			MaxLiteralBytes: sc.MaxLiteralBytes,
		},
		CommandTimeout:       time.Duration(sc.CommandTimeoutS) * time.Second,
		IdleTimeout:          time.Duration(sc.IdleTimeoutS) * time.Second,
		DrainDeadline:        time.Duration(sc.DrainDeadlineS) * time.Second,
		MaxCommandsPerSecond: sc.MaxCommandsPerSecond,
		RequireTLS:           sc.RequireTLS,
	}

	if sc.TLSCertFile != "" && sc.TLSKeyFile != "" && !sc.RequireTLS {
		tlsCfg, err := tlsConfig(sc)
		if err != nil {
			return session.SupervisorConfig{}, err
		}
		scfg.TLSConfig = tlsCfg
	}
	return scfg, nil
}

// tlsConfig loads sc's certificate pair, for either an implicit-TLS
// listener (require_tls) or a plain listener offering STARTTLS.
func tlsConfig(sc config.ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(sc.TLSCertFile, sc.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("proxy: load TLS cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
